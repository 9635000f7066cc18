// Package labelmap maps categorical attribute selections to the integer
// action ids used in the exported dataset, and back.
package labelmap

import (
	"errors"
	"fmt"
)

// ErrUnknownSelection is returned when a category, option, or action id is
// not present in the current definition table. Callers must treat this as
// fatal for the record in question: encoding against a stale table must
// never produce a wrong id silently.
var ErrUnknownSelection = errors.New("unknown category or option")

// Category is one categorical attribute with its ordered option list.
// Option order is significant: ids are assigned by position.
type Category struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

// Definitions is an ordered attribute definition table. Each category's base
// id is 1 plus the total option count of all categories declared before it;
// the action id of a selection is base id + the option's 1-based position
// within its category. Reordering categories or options therefore
// invalidates previously encoded ids, which is why the table is immutable
// once built.
type Definitions struct {
	categories []Category
	baseIDs    []int
	byName     map[string]int // category name -> index into categories
}

// New builds a definition table from an ordered category list.
func New(categories []Category) (*Definitions, error) {
	if len(categories) == 0 {
		return nil, errors.New("labelmap: no categories defined")
	}

	d := &Definitions{
		categories: make([]Category, len(categories)),
		baseIDs:    make([]int, len(categories)),
		byName:     make(map[string]int, len(categories)),
	}

	nextBase := 1
	for i, cat := range categories {
		if cat.Name == "" {
			return nil, fmt.Errorf("labelmap: category %d has empty name", i)
		}
		if len(cat.Options) == 0 {
			return nil, fmt.Errorf("labelmap: category %q has no options", cat.Name)
		}
		if _, dup := d.byName[cat.Name]; dup {
			return nil, fmt.Errorf("labelmap: duplicate category %q", cat.Name)
		}
		seen := make(map[string]bool, len(cat.Options))
		for _, opt := range cat.Options {
			if seen[opt] {
				return nil, fmt.Errorf("labelmap: duplicate option %q in category %q", opt, cat.Name)
			}
			seen[opt] = true
		}

		d.categories[i] = Category{Name: cat.Name, Options: append([]string(nil), cat.Options...)}
		d.baseIDs[i] = nextBase
		d.byName[cat.Name] = i
		nextBase += len(cat.Options)
	}

	return d, nil
}

// Default returns the pedestrian attribute definition table used by the
// annotation projects. The ordering here is load-bearing: it fixes the
// action id assignment for every dataset generated against it.
func Default() *Definitions {
	d, err := New([]Category{
		{Name: "walking_behavior", Options: []string{"unknown", "normal_walk", "fast_walk", "slow_walk", "standing_still", "jogging", "window_shopping"}},
		{Name: "phone_usage", Options: []string{"unknown", "no_phone", "talking_phone", "texting", "taking_photo", "listening_music"}},
		{Name: "social_interaction", Options: []string{"unknown", "alone", "talking_companion", "group_walking", "greeting_someone", "asking_directions", "avoiding_crowd"}},
		{Name: "carrying_items", Options: []string{"unknown", "empty_hands", "shopping_bags", "backpack", "briefcase_bag", "umbrella", "food_drink", "multiple_items"}},
		{Name: "street_behavior", Options: []string{"unknown", "sidewalk_walking", "crossing_street", "waiting_signal", "looking_around", "checking_map", "entering_building", "exiting_building"}},
		{Name: "posture_gesture", Options: []string{"unknown", "upright_normal", "looking_down", "looking_up", "hands_in_pockets", "arms_crossed", "pointing_gesture", "bowing_gesture"}},
		{Name: "clothing_style", Options: []string{"unknown", "business_attire", "casual_wear", "tourist_style", "school_uniform", "sports_wear", "traditional_wear"}},
		{Name: "time_context", Options: []string{"unknown", "rush_hour", "leisure_time", "shopping_time", "tourist_hours", "lunch_break", "evening_stroll"}},
	})
	if err != nil {
		// The built-in table is validated by tests; a failure here is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return d
}

// Categories returns the ordered category list.
func (d *Definitions) Categories() []Category {
	return d.categories
}

// MaxActionID returns the largest action id the table can produce.
func (d *Definitions) MaxActionID() int {
	last := len(d.categories) - 1
	return d.baseIDs[last] + len(d.categories[last].Options)
}

// BaseID returns the base action id for a category.
func (d *Definitions) BaseID(category string) (int, error) {
	i, ok := d.byName[category]
	if !ok {
		return 0, fmt.Errorf("labelmap: category %q: %w", category, ErrUnknownSelection)
	}
	return d.baseIDs[i], nil
}

// Encode returns the action id for a (category, option) selection.
func (d *Definitions) Encode(category, option string) (int, error) {
	i, ok := d.byName[category]
	if !ok {
		return 0, fmt.Errorf("labelmap: category %q: %w", category, ErrUnknownSelection)
	}
	for j, opt := range d.categories[i].Options {
		if opt == option {
			return d.baseIDs[i] + j + 1, nil
		}
	}
	return 0, fmt.Errorf("labelmap: option %q in category %q: %w", option, category, ErrUnknownSelection)
}

// Decode returns the (category, option) selection for an action id.
func (d *Definitions) Decode(actionID int) (category, option string, err error) {
	for i, cat := range d.categories {
		base := d.baseIDs[i]
		if actionID > base && actionID <= base+len(cat.Options) {
			return cat.Name, cat.Options[actionID-base-1], nil
		}
	}
	return "", "", fmt.Errorf("labelmap: action id %d: %w", actionID, ErrUnknownSelection)
}
