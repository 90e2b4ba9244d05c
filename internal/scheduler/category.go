package scheduler

import (
	"fmt"
	"strings"

	"github.com/xtxerr/volstream/internal/errors"
)

// Category is a workload class with its own concurrency budget.
//
// Categories index a fixed array inside the Manager; there is no dynamic
// category creation.
type Category int

const (
	// CategoryInteraction is user-driven navigation. Submissions in this
	// category force an immediate drain even while the pool is awake.
	CategoryInteraction Category = iota

	// CategoryThumbnail is thumbnail generation.
	CategoryThumbnail

	// CategoryPrefetch is background loading.
	CategoryPrefetch

	// CategoryCompute is CPU-bound post-processing.
	CategoryCompute

	numCategories
)

var categoryNames = [numCategories]string{
	CategoryInteraction: "interaction",
	CategoryThumbnail:   "thumbnail",
	CategoryPrefetch:    "prefetch",
	CategoryCompute:     "compute",
}

// Categories returns all categories in drain order.
func Categories() []Category {
	out := make([]Category, numCategories)
	for i := range out {
		out[i] = Category(i)
	}
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c >= 0 && c < numCategories
}

// String returns the category name.
func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categoryNames[c]
}

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range categoryNames {
		if n == name {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, errors.ErrUnknownCategory)
}

// MustParseCategory parses a category name, panics on error.
func MustParseCategory(s string) Category {
	c, err := ParseCategory(s)
	if err != nil {
		panic(err)
	}
	return c
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%d: %w", int(c), errors.ErrUnknownCategory)
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
