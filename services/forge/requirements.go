package forge

import (
	"fmt"
	"sort"

	"trophymint/services/assetname"
	"trophymint/services/mint"
)

// requirementsFor returns the categories a target tier consumes from and how
// many base-tier tokens each category must supply.
func requirementsFor(tier assetname.Tier, scopeRef string) (map[string]int, []string) {
	switch tier {
	case assetname.TierCategoryUlt:
		return map[string]int{scopeRef: CategoryUltInputs}, []string{scopeRef}
	case assetname.TierMaster:
		need := make(map[string]int, len(assetname.Categories))
		for _, c := range assetname.Categories {
			need[c] = MasterInputsPerCategory
		}
		return need, assetname.Categories
	case assetname.TierSeasonUlt:
		need := make(map[string]int, len(assetname.Categories))
		for _, c := range assetname.Categories {
			need[c] = SeasonUltInputsPerCategory
		}
		return need, assetname.Categories
	default:
		return nil, nil
	}
}

// selectInputs picks the exact burn set from a holder's tokens: base-tier
// confirmed tokens only, oldest first within each category. For season
// ultimates the token must have been minted inside the season window or its
// grace days. Returns an InsufficientInputsError listing every short category
// when the holder cannot cover the requirement.
func selectInputs(tokens []*mint.OwnedToken, tier assetname.Tier, scopeRef string, season *Season) ([]*mint.OwnedToken, error) {
	byCategory := make(map[string][]*mint.OwnedToken)
	for _, tok := range tokens {
		if tok.Status != mint.TokenConfirmed || tok.Tier != assetname.TierRegular.String() {
			continue
		}
		if season != nil && !season.CountsToward(tok.CreatedAt) {
			continue
		}
		byCategory[tok.ScopeRef] = append(byCategory[tok.ScopeRef], tok)
	}
	for _, list := range byCategory {
		sort.Slice(list, func(i, j int) bool {
			if list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].ID < list[j].ID
			}
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
	}

	need, order := requirementsFor(tier, scopeRef)
	if need == nil {
		return nil, fmt.Errorf("tier %s cannot be forged", tier)
	}

	shortfall := make(map[string]int)
	picked := make([]*mint.OwnedToken, 0, CategoryUltInputs)
	for _, cat := range order {
		n := need[cat]
		have := byCategory[cat]
		if len(have) < n {
			shortfall[cat] = n - len(have)
			continue
		}
		picked = append(picked, have[:n]...)
	}
	if len(shortfall) > 0 {
		return nil, &InsufficientInputsError{TargetTier: tier, ScopeRef: scopeRef, Shortfall: shortfall}
	}

	return picked, nil
}
