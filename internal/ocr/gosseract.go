package ocr

import (
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// tesseractEngine wraps a long-lived gosseract client.
type tesseractEngine struct {
	client *gosseract.Client
}

// NewTesseractEngine is the production EngineFactory.
func NewTesseractEngine(languages, scratchDir string) (Engine, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(strings.Split(languages, "+")...); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.SetVariable("user_defined_dpi", "300"); err != nil {
		_ = client.Close()
		return nil, err
	}
	_ = scratchDir // reserved for engine-private artifacts
	return &tesseractEngine{client: client}, nil
}

func (e *tesseractEngine) SetImage(path string) error { return e.client.SetImage(path) }

func (e *tesseractEngine) Text() (string, error) { return e.client.Text() }

// MeanConfidence averages word-level confidences, 0..100.
func (e *tesseractEngine) MeanConfidence() (float64, error) {
	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return 0, err
	}
	if len(boxes) == 0 {
		return 0, nil
	}
	sum := 0.0
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes)), nil
}

func (e *tesseractEngine) Close() error { return e.client.Close() }
