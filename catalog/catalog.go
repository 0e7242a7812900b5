// Package catalog holds the people records served by the getPeople and
// getPersonById tools.
package catalog

// Person is a single catalog record.
type Person struct {
	ID   int    `json:"id" jsonschema:"description=Numeric person identifier"`
	Name string `json:"name" jsonschema:"description=Display name"`
}

// Catalog is an immutable, ordered set of people. It is safe for concurrent
// use.
type Catalog struct {
	people []Person
}

// DefaultPeople is the record set used when no other is configured.
var DefaultPeople = []Person{
	{ID: 1, Name: "Sean Carroll"},
	{ID: 2, Name: "Carl Sagan"},
	{ID: 3, Name: "Richard Dawkins"},
	{ID: 4, Name: "Tim Maudlin"},
}

// New builds a catalog from people. The slice is copied. If two records share
// an ID, GetByID returns the first.
func New(people ...Person) *Catalog {
	return &Catalog{people: append([]Person(nil), people...)}
}

// Default returns a catalog populated with DefaultPeople.
func Default() *Catalog {
	return New(DefaultPeople...)
}

// List returns a copy of all records in construction order.
func (c *Catalog) List() []Person {
	return append([]Person{}, c.people...)
}

// GetByID returns the record with the given id.
func (c *Catalog) GetByID(id int) (Person, bool) {
	for _, p := range c.people {
		if p.ID == id {
			return p, true
		}
	}
	return Person{}, false
}
