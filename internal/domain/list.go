package domain

// ListKeysOptions defines filters and pagination for key listing.
type ListKeysOptions struct {
	Status KeyStatus
	Offset int
	Limit  int
}

// ListTransactionsOptions defines pagination for transaction listing.
// Ordering is fixed: client timestamp descending.
type ListTransactionsOptions struct {
	Offset      int
	Limit       int
	Transmitter string
}
