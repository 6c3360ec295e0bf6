package assetname

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"trophymint/pkg/util"
)

const (
	Prefix  = "TNFT"
	Version = "V1"

	// MaxLen is the on-chain asset name limit in bytes.
	MaxLen = 32

	// SuffixLen is the length of the random hex suffix.
	SuffixLen = 8

	LegacyPrefix = "TROPHY"
	LegacyMaxLen = 64
)

type Tier string

const (
	TierRegular     Tier = "REG"
	TierCategoryUlt Tier = "ULT"
	TierMaster      Tier = "MAST"
	TierSeasonUlt   Tier = "SEAS_ULT"
)

func (t Tier) String() string {
	switch t {
	case TierRegular, TierCategoryUlt, TierMaster, TierSeasonUlt:
		return string(t)
	default:
		return ""
	}
}

// ScopeMaster is the scope ref shared by all master trophies; category and
// season tiers use their category or season code instead.
const ScopeMaster = "MAST"

// Categories lists the trophy categories in canonical order.
var Categories = []string{"SCI", "TECH", "ENG", "ART", "MATH"}

func IsCategory(s string) bool {
	for _, c := range Categories {
		if c == s {
			return true
		}
	}
	return false
}

var (
	suffixRe = regexp.MustCompile(`^[0-9a-f]{8}$`)
	seasonRe = regexp.MustCompile(`^([0-9]{2}H[12]|S[0-9]{1,3})$`)
)

func IsSeasonCode(s string) bool {
	return seasonRe.MatchString(s)
}

var (
	ErrNotAssetName    = errors.New("assetname: not a recognized identifier")
	ErrTooLong         = errors.New("assetname: identifier exceeds length limit")
	ErrBadSuffix       = errors.New("assetname: suffix must be 8 lowercase hex characters")
	ErrUnknownCategory = errors.New("assetname: unknown category")
	ErrBadSeason       = errors.New("assetname: malformed season code")

	// ErrCollision reports that a generated identifier already exists.
	// Uniqueness is enforced by the database; issuance retries once with a
	// fresh suffix before surfacing this.
	ErrCollision = errors.New("assetname: identifier collision")
)

// Name is a parsed canonical token identifier, e.g. "TNFT_V1_SCI_REG_12b3de7d".
// Category is set for REG and ULT, Season for SEAS_ULT only.
type Name struct {
	Tier     Tier
	Category string
	Season   string
	Suffix   string
}

func (n Name) String() string {
	switch n.Tier {
	case TierMaster:
		return fmt.Sprintf("%s_%s_MAST_%s", Prefix, Version, n.Suffix)
	case TierSeasonUlt:
		return fmt.Sprintf("%s_%s_SEAS_%s_ULT_%s", Prefix, Version, n.Season, n.Suffix)
	case TierCategoryUlt:
		return fmt.Sprintf("%s_%s_%s_ULT_%s", Prefix, Version, n.Category, n.Suffix)
	default:
		return fmt.Sprintf("%s_%s_%s_REG_%s", Prefix, Version, n.Category, n.Suffix)
	}
}

// Validate checks every part and the encoded length.
func (n Name) Validate() error {
	if !suffixRe.MatchString(n.Suffix) {
		return ErrBadSuffix
	}

	switch n.Tier {
	case TierRegular, TierCategoryUlt:
		if !IsCategory(n.Category) {
			return ErrUnknownCategory
		}
	case TierSeasonUlt:
		if !seasonRe.MatchString(n.Season) {
			return ErrBadSeason
		}
	case TierMaster:
	default:
		return ErrNotAssetName
	}

	if len(n.String()) > MaxLen {
		return ErrTooLong
	}

	return nil
}

// NewSuffix returns a fresh random suffix, 8 lowercase hex characters.
func NewSuffix() string {
	return util.RandomHex(SuffixLen / 2)
}

// Parse decodes a canonical identifier. The returned Name is always valid.
func Parse(s string) (Name, error) {
	if len(s) > MaxLen {
		return Name{}, ErrTooLong
	}

	parts := strings.Split(s, "_")
	if len(parts) < 4 || parts[0] != Prefix || parts[1] != Version {
		return Name{}, ErrNotAssetName
	}

	rest := parts[2:]

	var n Name
	switch {
	case len(rest) == 2 && rest[0] == "MAST":
		n = Name{Tier: TierMaster, Suffix: rest[1]}
	case len(rest) == 4 && rest[0] == "SEAS" && rest[2] == "ULT":
		n = Name{Tier: TierSeasonUlt, Season: rest[1], Suffix: rest[3]}
	case len(rest) == 3 && rest[1] == "REG":
		n = Name{Tier: TierRegular, Category: rest[0], Suffix: rest[2]}
	case len(rest) == 3 && rest[1] == "ULT":
		n = Name{Tier: TierCategoryUlt, Category: rest[0], Suffix: rest[2]}
	default:
		return Name{}, ErrNotAssetName
	}

	if err := n.Validate(); err != nil {
		return Name{}, err
	}

	return n, nil
}

// Validate is the string form of Parse for callers that only need a verdict.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}

// LegacyName is a pre-V1 identifier still present in older chain state,
// e.g. "TROPHY_SCI_REG_550e8400-e29b-41d4-a716-446655440000". The suffix is
// a uuid, canonical or 32-hex form; ID keeps it as written.
type LegacyName struct {
	Tier     Tier
	Category string
	Season   string
	ID       string
}

// ParseLegacy decodes a legacy identifier. Legacy names are recognized for
// holdings ingestion only; new tokens are never issued under this grammar.
func ParseLegacy(s string) (LegacyName, error) {
	if len(s) > LegacyMaxLen {
		return LegacyName{}, ErrTooLong
	}

	parts := strings.Split(s, "_")
	if len(parts) < 3 || parts[0] != LegacyPrefix {
		return LegacyName{}, ErrNotAssetName
	}

	rest := parts[1:]

	var n LegacyName
	switch {
	case len(rest) == 2 && rest[0] == "MAST":
		n = LegacyName{Tier: TierMaster, ID: rest[1]}
	case len(rest) == 4 && rest[0] == "SEAS" && rest[2] == "ULT":
		n = LegacyName{Tier: TierSeasonUlt, Season: rest[1], ID: rest[3]}
	case len(rest) == 3 && rest[1] == "REG":
		n = LegacyName{Tier: TierRegular, Category: rest[0], ID: rest[2]}
	case len(rest) == 3 && rest[1] == "ULT":
		n = LegacyName{Tier: TierCategoryUlt, Category: rest[0], ID: rest[2]}
	default:
		return LegacyName{}, ErrNotAssetName
	}

	switch n.Tier {
	case TierRegular, TierCategoryUlt:
		if !IsCategory(n.Category) {
			return LegacyName{}, ErrUnknownCategory
		}
	case TierSeasonUlt:
		if !seasonRe.MatchString(n.Season) {
			return LegacyName{}, ErrBadSeason
		}
	}

	if _, err := uuid.Parse(n.ID); err != nil {
		return LegacyName{}, fmt.Errorf("assetname: legacy id: %w", err)
	}

	return n, nil
}
