package model

import "time"

// Cat is a pet profile owned by exactly one user.
//
// OwnerID is set once at creation and never updated. ImageKey is a weak
// reference into the blob store: the cat points at the object, the blob
// store owns the bytes. An empty ImageKey means the cat has no photo.
type Cat struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner"`
	Name         string    `json:"name"`
	Color        string    `json:"color"`
	BirthYear    int       `json:"birthYear,omitempty"`
	Achievements []string  `json:"achievements"`
	ImageKey     string    `json:"-"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CatPatch carries a partial update. A nil field means "leave unchanged".
type CatPatch struct {
	Name         *string   `json:"name"`
	Color        *string   `json:"color"`
	BirthYear    *int      `json:"birthYear"`
	Achievements *[]string `json:"achievements"`
}

// CatField selects which writable columns an update touches.
type CatField uint8

const (
	FieldName CatField = 1 << iota
	FieldColor
	FieldBirthYear
	FieldAchievements

	AllCatFields = FieldName | FieldColor | FieldBirthYear | FieldAchievements
)

// Has reports whether every bit of other is set in f.
func (f CatField) Has(other CatField) bool { return f&other == other }

// Fields returns the set of columns the patch changes.
func (p CatPatch) Fields() CatField {
	var f CatField
	if p.Name != nil {
		f |= FieldName
	}
	if p.Color != nil {
		f |= FieldColor
	}
	if p.BirthYear != nil {
		f |= FieldBirthYear
	}
	if p.Achievements != nil {
		f |= FieldAchievements
	}
	return f
}
