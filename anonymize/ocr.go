package anonymize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dicomflow/gateway/dicom"
)

// OCRClient calls an external OCR service to classify pixel regions as
// PHI-bearing text (§4.5). Instrumented the same way as the XNAT adapter:
// otelhttp transport, bounded timeout, retry on 5xx.
type OCRClient struct {
	baseURL    string
	httpClient *http.Client
	padding    int
}

type ocrRequest struct {
	ImagePath string `json:"image_path"`
}

type ocrResponse struct {
	Regions []PixelRegionHit `json:"regions"`
}

func NewOCRClient(baseURL string, timeout time.Duration, padding int) *OCRClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OCRClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		padding: padding,
	}
}

// ClassifyPixels asks the OCR service for PHI-bearing regions in
// imagePath, merging overlapping boxes with the configured padding.
func (c *OCRClient) ClassifyPixels(ctx context.Context, imagePath string) ([]PixelRegionHit, error) {
	tracer := otel.Tracer("gateway.anonymize.ocr")
	ctx, span := tracer.Start(ctx, "ClassifyPixels", trace.WithAttributes(attribute.String("image.path", imagePath)))
	defer span.End()

	body, err := json.Marshal(ocrRequest{ImagePath: imagePath})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("ocr service returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			span.RecordError(lastErr)
			return nil, dicom.Classify("anonymize.ocr", dicom.ClassAnonymization, fmt.Errorf("ocr service returned status %d", resp.StatusCode))
		}

		var out ocrResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return nil, dicom.Classify("anonymize.ocr", dicom.ClassAnonymization, err)
		}
		return mergeOverlapping(out.Regions, c.padding), nil
	}

	span.RecordError(lastErr)
	return nil, dicom.Classify("anonymize.ocr", dicom.ClassAnonymization, lastErr)
}

// mergeOverlapping combines regions whose padded bounding boxes overlap
// into a single enclosing box, so the redaction pass does one paint per
// merged region instead of many overlapping ones.
func mergeOverlapping(regions []PixelRegionHit, padding int) []PixelRegionHit {
	merged := make([]PixelRegionHit, 0, len(regions))
	for _, r := range regions {
		r.X -= padding
		r.Y -= padding
		r.W += 2 * padding
		r.H += 2 * padding

		combinedWith := -1
		for i, m := range merged {
			if overlaps(r, m) {
				combinedWith = i
				break
			}
		}
		if combinedWith < 0 {
			merged = append(merged, r)
			continue
		}
		merged[combinedWith] = enclose(merged[combinedWith], r)
	}
	return merged
}

func overlaps(a, b PixelRegionHit) bool {
	return a.X < b.X+b.W && b.X < a.X+a.W && a.Y < b.Y+b.H && b.Y < a.Y+a.H
}

func enclose(a, b PixelRegionHit) PixelRegionHit {
	minX, minY := min(a.X, b.X), min(a.Y, b.Y)
	maxX, maxY := max(a.X+a.W, b.X+b.W), max(a.Y+a.H, b.Y+b.H)
	return PixelRegionHit{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

func (r *Runner) scanForResidualPHI(ctx context.Context, outDir string, files []dicom.Instance) ([]PHIWarning, error) {
	var warnings []PHIWarning
	for _, inst := range files {
		regions, err := r.ocr.ClassifyPixels(ctx, inst.FilePath)
		if err != nil {
			return nil, err
		}
		for _, region := range regions {
			region := region
			warnings = append(warnings, PHIWarning{
				SOPInstanceUID: inst.SOPInstanceUID,
				Region:         &region,
				Message:        "possible pixel-embedded PHI detected",
			})
		}
	}
	return warnings, nil
}
