package models

// Category classifies a point of interest on the safety map.
type Category string

const (
	CategoryMedical Category = "medical"
	CategoryPolice  Category = "police"
	CategoryShelter Category = "shelter"
	CategoryHazard  Category = "hazard"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryMedical, CategoryPolice, CategoryShelter, CategoryHazard:
		return true
	}
	return false
}

// PointOfInterest is a map point kept available offline.
type PointOfInterest struct {
	ID        string   `json:"id"`
	Category  Category `json:"category"`
	Name      string   `json:"name"`
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lon"`
	Address   string   `json:"address"`
	Phone     string   `json:"phone,omitempty"`
}
