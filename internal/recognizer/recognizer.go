// Package recognizer reads license plates out of still images using AWS
// Rekognition text detection.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/rs/zerolog"
)

var ErrNoPlate = errors.New("no license plate found in image")

// platePattern matches plates like 29A12345, 51G-123.45 or 30AB-1234 once
// spaces are stripped.
var platePattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{1,2}[0-9]?-?[0-9]{3,5}(\.[0-9]{2})?$`)

type textDetector interface {
	DetectText(ctx context.Context, in *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

type Result struct {
	Plate      string  `json:"plate"`
	Confidence float64 `json:"confidence"`
}

type Rekognition struct {
	client textDetector
	log    zerolog.Logger
}

// NewRekognition builds a client from the default AWS credential chain.
func NewRekognition(ctx context.Context, region string, log zerolog.Logger) (*Rekognition, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newRekognition(rekognition.NewFromConfig(cfg), log), nil
}

func newRekognition(client textDetector, log zerolog.Logger) *Rekognition {
	return &Rekognition{
		client: client,
		log:    log.With().Str("component", "recognizer").Logger(),
	}
}

// Recognize returns the most confident plate-shaped text in image.
// Confidence is scaled to [0, 1].
func (r *Rekognition) Recognize(ctx context.Context, image []byte) (*Result, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrNoPlate)
	}

	out, err := r.client.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: image},
	})
	if err != nil {
		return nil, fmt.Errorf("detect text: %w", err)
	}

	var best *Result
	seen := make([]string, 0, len(out.TextDetections))
	for _, td := range out.TextDetections {
		if td.DetectedText == nil || td.Confidence == nil {
			continue
		}
		if td.Type != types.TextTypesLine && td.Type != types.TextTypesWord {
			continue
		}

		text := strings.ToUpper(strings.ReplaceAll(*td.DetectedText, " ", ""))
		seen = append(seen, text)
		if !platePattern.MatchString(text) {
			continue
		}

		confidence := float64(*td.Confidence) / 100
		if best == nil || confidence > best.Confidence {
			best = &Result{
				Plate:      strings.NewReplacer("-", "", ".", "").Replace(text),
				Confidence: confidence,
			}
		}
	}

	if best == nil {
		r.log.Debug().Strs("texts", seen).Msg("no plate-shaped text detected")
		return nil, ErrNoPlate
	}

	r.log.Debug().
		Str("plate", best.Plate).
		Float64("confidence", best.Confidence).
		Msg("plate recognized")
	return best, nil
}
