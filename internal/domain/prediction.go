package domain

// DeleteLabel is the classifier's backspace convention: it removes the last
// transcript character instead of appending a printable symbol.
const DeleteLabel = "delete"

// Prediction is one classification result for a still frame.
type Prediction struct {
	Label      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Empty reports whether the classifier saw nothing (no hand in frame).
func (p Prediction) Empty() bool {
	return p.Label == ""
}
