package processor

import (
	"context"
	"encoding/base64"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/pkg/errors"
)

// Renderer is satisfied by render.Orchestrator.
type Renderer interface {
	Render(ctx context.Context, req contracts.RenderRequest) contracts.Result
}

// RendererAdapter turns a Result into decoded bytes or an *errors.Error.
type RendererAdapter struct {
	r Renderer
}

func NewRendererAdapter(r Renderer) *RendererAdapter {
	return &RendererAdapter{r: r}
}

func (ra *RendererAdapter) Render(ctx context.Context, seconds float64) ([]byte, error) {
	res := ra.r.Render(ctx, contracts.RenderRequest{Seconds: seconds})
	if !res.Success {
		code := errors.Code(res.Code)
		if code == "" {
			code = errors.CodeRenderFailed
		}
		return nil, errors.New(code, res.Error).WithFields(res.Details)
	}

	if res.Encoding != "" && res.Encoding != contracts.EncodingBase64 {
		return nil, errors.Newf(errors.CodeInternal, "unexpected video encoding %q", res.Encoding)
	}
	video, err := base64.StdEncoding.DecodeString(res.Video)
	if err != nil {
		return nil, errors.Wrap(err, "processor.decode", "video payload is not valid base64")
	}
	return video, nil
}
