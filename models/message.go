package models

// Message is one entry of the ordered chat log.
type Message struct {
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}
