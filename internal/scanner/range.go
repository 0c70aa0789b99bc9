package scanner

import (
	"context"
	"fmt"

	apperrors "ethstats/internal/errors"
)

// RangeSpec 扫描范围：LastBlocks 与 Start/End 二选一
type RangeSpec struct {
	LastBlocks uint64
	Start      *uint64
	End        *uint64
}

// LatestBlocker 查询最新区块号
type LatestBlocker interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// ResolveRange 解析出闭区间 [start, end]；LastBlocks 模式以最新区块为终点
func ResolveRange(ctx context.Context, client LatestBlocker, spec RangeSpec) (uint64, uint64, error) {
	explicit := spec.Start != nil || spec.End != nil
	switch {
	case spec.LastBlocks > 0 && explicit:
		return 0, 0, invalidRange("last_blocks 与 start/end 不能同时指定")
	case spec.LastBlocks > 0:
		latest, err := client.LatestBlock(ctx)
		if err != nil {
			return 0, 0, err
		}
		start := uint64(0)
		if latest+1 > spec.LastBlocks {
			start = latest + 1 - spec.LastBlocks
		}
		return start, latest, nil
	case spec.Start != nil && spec.End != nil:
		if *spec.End < *spec.Start {
			return 0, 0, invalidRange(fmt.Sprintf("end(%d) 必须 >= start(%d)", *spec.End, *spec.Start))
		}
		return *spec.Start, *spec.End, nil
	case spec.Start != nil:
		return 0, 0, invalidRange("指定 start 时需要同时指定 end")
	default:
		return 0, 0, invalidRange("需要指定 last_blocks 或 start/end")
	}
}

func invalidRange(msg string) error {
	return apperrors.Wrap(apperrors.ErrInvalidRange, fmt.Errorf("%s", msg))
}
