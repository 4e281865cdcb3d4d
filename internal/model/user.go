package model

// User is a buyer account. Only the fields ticketing touches are
// modelled; authentication happens upstream.
type User struct {
	ID    int64
	Email string
	Name  string
}
