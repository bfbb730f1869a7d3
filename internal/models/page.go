package models

// Page is a single page of card views together with paging metadata.
type Page struct {
	Content       []CardResponse `json:"content"`
	Page          int            `json:"page"`
	Size          int            `json:"size"`
	TotalElements int64          `json:"total_elements"`
	TotalPages    int            `json:"total_pages"`
}
