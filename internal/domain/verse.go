package domain

// Verse is the content record shown to readers. The coordination core
// broadcasts it verbatim and never interprets the text fields; they come
// from the content lookup service.
type Verse struct {
	ID          string `json:"id"`
	Book        string `json:"book"`
	Chapter     int    `json:"chapter"`
	Verse       int    `json:"verse"`
	Sanskrit    string `json:"sanskrit,omitempty"`
	Translation string `json:"translation,omitempty"`
	Commentary  string `json:"commentary,omitempty"`
}
