package chat

import (
	"errors"
	"fmt"
)

const (
	DefaultTemperature float32 = 0.0
	DefaultTopP        float32 = 1.0
	DefaultTopK        int     = 250

	MaxTopK = 500
)

var ErrInvalidInference = errors.New("chat: invalid inference parameters")

// InferenceParameters are the sampling controls supplied with each request.
type InferenceParameters struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

// DefaultInference mirrors the initial slider positions of the upload form.
func DefaultInference() InferenceParameters {
	return InferenceParameters{
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
		TopK:        DefaultTopK,
	}
}

// Validate enforces temperature and top_p in [0,1] and top_k in [0,500].
func (p InferenceParameters) Validate() error {
	if p.Temperature < 0 || p.Temperature > 1 {
		return fmt.Errorf("%w: temperature %.3f outside [0,1]", ErrInvalidInference, p.Temperature)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p %.3f outside [0,1]", ErrInvalidInference, p.TopP)
	}
	if p.TopK < 0 || p.TopK > MaxTopK {
		return fmt.Errorf("%w: top_k %d outside [0,%d]", ErrInvalidInference, p.TopK, MaxTopK)
	}
	return nil
}
