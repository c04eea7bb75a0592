package bundle

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
)

// Authorize 判断 requester 能否解析 b。过期最先判断，对所有者同样生效；
// 之后只看 AccessType，ShareType 不参与授权。
func Authorize(ctx context.Context, b Bundle, requester identity.CanonicalID, graph identity.Graph, now time.Time) error {
	if b.Expired(now) {
		return fmt.Errorf("bundle %s: %w", b.Code(), failure.ErrExpired)
	}
	if requester != "" && requester == b.Owner {
		return nil
	}

	allowed, err := allowedByAccessType(ctx, b, requester, graph)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("bundle %s for %s: %w", b.Code(), requester, failure.ErrAccessDenied)
	}
	return nil
}

func allowedByAccessType(ctx context.Context, b Bundle, requester identity.CanonicalID, graph identity.Graph) (bool, error) {
	if b.AccessType == AccessPublic {
		return true, nil
	}
	if requester == "" {
		return false, nil
	}

	switch b.AccessType {
	case AccessPairedDirect:
		if graph == nil {
			return false, nil
		}
		return graph.DirectlyPaired(ctx, requester, b.Owner)
	case AccessPairedAny:
		if graph == nil {
			return false, nil
		}
		direct, err := graph.DirectlyPaired(ctx, requester, b.Owner)
		if err != nil || direct {
			return direct, err
		}
		return graph.SharesGroup(ctx, requester, b.Owner)
	case AccessSpecified:
		if slices.Contains(b.AllowedUsers, requester) {
			return true, nil
		}
		if len(b.AllowedGroups) == 0 || graph == nil {
			return false, nil
		}
		groups, err := graph.Groups(ctx, requester)
		if err != nil {
			return false, err
		}
		for _, group := range groups {
			if slices.Contains(b.AllowedGroups, group) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// Discoverable 判断 b 是否出现在 requester 的共享列表中：需 ShareType=Shared 且通过授权。
// 所有者自己的 bundle 不算共享给自己。
func Discoverable(ctx context.Context, b Bundle, requester identity.CanonicalID, graph identity.Graph, now time.Time) bool {
	if b.ShareType != ShareShared || b.Owner == requester {
		return false
	}
	return Authorize(ctx, b, requester, graph, now) == nil
}
