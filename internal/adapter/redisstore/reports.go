package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/quake-alert-service/internal/crowd"
	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

const reportsKey = "quake:seismic_reports"

// Reports keeps crowd reports in a sorted set scored by receive time in
// milliseconds.
type Reports struct {
	rdb *redis.Client
}

var _ crowd.Store = (*Reports)(nil)

func NewReports(rdb *redis.Client) *Reports {
	return &Reports{rdb: rdb}
}

func (r *Reports) Add(ctx context.Context, rep domain.SeismicReport, pruneBefore time.Time) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, reportsKey, "-inf", "("+strconv.FormatInt(pruneBefore.UnixMilli(), 10))
		pipe.ZAdd(ctx, reportsKey, redis.Z{Score: float64(rep.ReceivedAt.UnixMilli()), Member: data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("add report: %w", err)
	}
	return nil
}

func (r *Reports) Since(ctx context.Context, t time.Time) ([]domain.SeismicReport, error) {
	members, err := r.rdb.ZRangeByScore(ctx, reportsKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(t.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range reports: %w", err)
	}
	out := make([]domain.SeismicReport, 0, len(members))
	for _, m := range members {
		var rep domain.SeismicReport
		if err := json.Unmarshal([]byte(m), &rep); err != nil {
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}
