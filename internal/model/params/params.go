package params

import "fmt"

// Defaults come from the simple-1 sampling preset.
const (
	DefaultRepetitionPenalty = 1.15
	DefaultTemperature       = 0.7
	DefaultTopK              = 20
	DefaultTopP              = 0.9
)

// Params holds the sampling knobs forwarded to the generation backend.
// Nil fields mean "unset"; Resolved fills them before a request is built so
// the backend never sees a missing value.
type Params struct {
	RepetitionPenalty *float64 `yaml:"repetition_penalty" json:"repetition_penalty"`
	Temperature       *float64 `yaml:"temperature" json:"temperature"`
	TopK              *int     `yaml:"top_k" json:"top_k"`
	TopP              *float64 `yaml:"top_p" json:"top_p"`
}

// Key enumerates the settable sampling parameters.
type Key string

const (
	KeyRepetitionPenalty Key = "repetition_penalty"
	KeyTemperature       Key = "temperature"
	KeyTopK              Key = "top_k"
	KeyTopP              Key = "top_p"
)

// Defaults returns a fully populated parameter set.
func Defaults() Params {
	rp := float64(DefaultRepetitionPenalty)
	temp := float64(DefaultTemperature)
	topK := DefaultTopK
	topP := float64(DefaultTopP)
	return Params{
		RepetitionPenalty: &rp,
		Temperature:       &temp,
		TopK:              &topK,
		TopP:              &topP,
	}
}

// Resolved returns a copy with every unset field replaced by its default.
func (p Params) Resolved() Params {
	out := Defaults()
	if p.RepetitionPenalty != nil {
		v := *p.RepetitionPenalty
		out.RepetitionPenalty = &v
	}
	if p.Temperature != nil {
		v := *p.Temperature
		out.Temperature = &v
	}
	if p.TopK != nil {
		v := *p.TopK
		out.TopK = &v
	}
	if p.TopP != nil {
		v := *p.TopP
		out.TopP = &v
	}
	return out
}

// Map flattens the parameters into the key-value form the request body uses.
// Unset fields are resolved first.
func (p Params) Map() map[string]any {
	r := p.Resolved()
	return map[string]any{
		string(KeyRepetitionPenalty): *r.RepetitionPenalty,
		string(KeyTemperature):       *r.Temperature,
		string(KeyTopK):              *r.TopK,
		string(KeyTopP):              *r.TopP,
	}
}

// Set updates a single parameter by its enumerated key.
func (p *Params) Set(key Key, value float64) error {
	switch key {
	case KeyRepetitionPenalty:
		p.RepetitionPenalty = &value
	case KeyTemperature:
		p.Temperature = &value
	case KeyTopK:
		k := int(value)
		p.TopK = &k
	case KeyTopP:
		p.TopP = &value
	default:
		return fmt.Errorf("unknown parameter key: %s", key)
	}
	return nil
}
