package chat

// History mirrors the backend's dual conversation log: "internal" rows are
// the raw turns replayed to the model, "visible" rows are the renderable
// counterparts. Both always come from the same backend response and are
// replaced together.
type History struct {
	Internal [][]string `json:"internal"`
	Visible  [][]string `json:"visible"`
}

// NewHistory returns an empty pair of logs.
func NewHistory() History {
	return History{Internal: [][]string{}, Visible: [][]string{}}
}

// LastReply extracts the newest bot utterance: the final entry of the final
// internal row. Empty history yields an empty string.
func (h History) LastReply() string {
	if len(h.Internal) == 0 {
		return ""
	}
	row := h.Internal[len(h.Internal)-1]
	if len(row) == 0 {
		return ""
	}
	return row[len(row)-1]
}

// Clone deep-copies both logs.
func (h History) Clone() History {
	out := History{
		Internal: make([][]string, len(h.Internal)),
		Visible:  make([][]string, len(h.Visible)),
	}
	for i, row := range h.Internal {
		out.Internal[i] = append([]string(nil), row...)
	}
	for i, row := range h.Visible {
		out.Visible[i] = append([]string(nil), row...)
	}
	return out
}
