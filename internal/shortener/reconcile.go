package shortener

// Plan is the outcome of comparing a group's current links with a desired
// target list.
type Plan struct {
	// Removed are current links whose target is no longer wanted, in current order.
	Removed []Link
	// Retained are current links whose target is still wanted, in desired order.
	Retained []Link
	// Wanted are desired targets the group does not own yet, in desired order.
	Wanted []string
}

// Reconcile classifies current against desired. desired must not contain
// duplicates. A target the group already owns is always retained; if the
// group owns several links for one target, the oldest is kept and the rest
// are removed.
func Reconcile(current []Link, desired []string) Plan {
	keep := make(map[string]Link, len(current))
	for _, l := range current {
		prev, ok := keep[l.Target]
		if !ok || l.CreatedAt.Before(prev.CreatedAt) {
			keep[l.Target] = l
		}
	}

	var plan Plan
	wanted := make(map[string]struct{}, len(desired))
	for _, t := range desired {
		wanted[t] = struct{}{}
		if l, ok := keep[t]; ok {
			plan.Retained = append(plan.Retained, l)
		} else {
			plan.Wanted = append(plan.Wanted, t)
		}
	}

	for _, l := range current {
		_, isWanted := wanted[l.Target]
		if isWanted && keep[l.Target].ID == l.ID {
			continue
		}
		plan.Removed = append(plan.Removed, l)
	}
	return plan
}
