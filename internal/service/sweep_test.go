package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otadbridge/otadbridge/internal/config"
	"github.com/otadbridge/otadbridge/internal/otad"
)

func TestStepForStopSumsToTotal(t *testing.T) {
	cases := []struct {
		total int
		stops int
	}{
		{23400, 24},
		{23400, 7},
		{23400, 360},
		{23400, 1},
		{12000, 36},
		{12000, 719},
		{665535, 720},
		{100, 7},
		// 停靠点数超过整圈步数：部分停靠点步数为 0，总和仍精确
		{5, 7},
	}

	for _, c := range cases {
		sum := 0
		base := c.total / c.stops
		for i := 0; i < c.stops; i++ {
			step := stepForStop(c.total, c.stops, i)
			assert.GreaterOrEqual(t, step, 0, "total=%d stops=%d i=%d", c.total, c.stops, i)
			// 每步只允许基准值或基准值+1，余数均匀摊在整圈里
			assert.LessOrEqual(t, step, base+1, "total=%d stops=%d i=%d", c.total, c.stops, i)
			sum += step
		}
		assert.Equal(t, c.total, sum, "total=%d stops=%d 步数之和必须恰好等于整圈步数", c.total, c.stops)
	}
}

func TestStepForStopCumulativeBoundaries(t *testing.T) {
	total, stops := 23400, 7
	cumulative := 0
	for i := 0; i < stops; i++ {
		cumulative += stepForStop(total, stops, i)
		// 第 i 个停靠点后的累计位置是 total*(i+1)/stops 的整除值
		assert.Equal(t, total*(i+1)/stops, cumulative, "i=%d", i)
	}
}

func TestSweepRunRejectsStopsOutOfRange(t *testing.T) {
	cfg := &config.Config{}
	cfg.Controller.Name = "default"
	cfg.Controller.Mode = "local"
	cfg.Sweep.MaxStops = 720

	rig := NewRigService(cfg, NewStorageWriter(cfg))
	require.NoError(t, rig.Start(context.Background()))
	defer rig.Stop()

	sweep := NewSweepService(cfg, rig)
	require.NoError(t, sweep.Start(context.Background()))
	defer sweep.Stop()

	_, err := sweep.Run(context.Background(), SweepRequest{Device: 0, Stops: 0})
	require.Error(t, err)
	assert.Equal(t, otad.KindValidation, otad.GetKind(err), "stops=0 应在创建记录前被拒绝")

	_, err = sweep.Run(context.Background(), SweepRequest{Device: 0, Stops: 721})
	require.Error(t, err)
	assert.Equal(t, otad.KindValidation, otad.GetKind(err))
}

func TestSweepRunRequiresRunningService(t *testing.T) {
	cfg := &config.Config{}
	sweep := NewSweepService(cfg, nil)

	_, err := sweep.Run(context.Background(), SweepRequest{Stops: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}
