// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package alloc

// admitLocked decides whether the request fits the pool under the
// configured fairness strategy. Pure function of the locked snapshot:
// it books nothing. Callers hold a.mu.
func (a *Allocator) admitLocked(pool *resourcePool, req Request, amount int64) bool {
	if pool.allocated+amount > pool.cfg.Capacity {
		return false
	}

	switch a.cfg.Strategy {
	case StrategyPriority:
		// Only high-priority requests may dip into the reserved fraction.
		if req.Priority < a.cfg.HighPriorityThreshold {
			if pool.allocated+amount > pool.cfg.Capacity-pool.reserved() {
				return false
			}
		}
		return true

	case StrategyWeightedFair:
		weight := a.weightOf(req.ClientID)
		total := weight
		for clientID := range a.byClient {
			if clientID != req.ClientID {
				total += a.weightOf(clientID)
			}
		}
		share := weight / total * float64(pool.cfg.Capacity) * a.cfg.Tolerance
		return float64(a.byClient[req.ClientID][req.Resource]+amount) <= share

	case StrategyRoundRobin:
		// A client that took a third or more of the recent grants has to
		// let someone else through first.
		if len(a.recent) >= a.cfg.RoundRobinWindow {
			count := 0
			for _, clientID := range a.recent {
				if clientID == req.ClientID {
					count++
				}
			}
			if count >= a.cfg.RoundRobinWindow/3 {
				return false
			}
		}
		return true

	default:
		// Fair share: equal slice of capacity per active client, with one
		// slot kept for a newcomer, stretched by the tolerance factor.
		active := len(a.byClient)
		share := float64(pool.cfg.Capacity) / float64(active+1) * a.cfg.Tolerance
		return float64(a.byClient[req.ClientID][req.Resource]+amount) <= share
	}
}

func (a *Allocator) weightOf(clientID string) float64 {
	if a.cfg.WeightFn == nil {
		return 1
	}
	w := a.cfg.WeightFn(clientID)
	if w <= 0 {
		return 1
	}
	return w
}
