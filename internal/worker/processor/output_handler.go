package processor

import (
	"bytes"
	"context"
	"fmt"

	"renderd/internal/ports"
)

const videoMime = "video/mp4"

type OutputHandler struct {
	sp ports.StorageProvider
}

func NewOutputHandler(sp ports.StorageProvider) *OutputHandler {
	return &OutputHandler{sp: sp}
}

// OutputResult is where the archived video ended up.
type OutputResult struct {
	Provider  string
	ObjectKey string
	Size      int64
}

// Archive uploads the rendered video under keys.Video.
func (oh *OutputHandler) Archive(ctx context.Context, keys *OutputKeys, video []byte) (*OutputResult, error) {
	out, err := oh.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   keys.Video,
		ContentType: videoMime,
		Reader:      bytes.NewReader(video),
		Size:        int64(len(video)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload video: %w", err)
	}

	size := out.Size
	if size == 0 {
		size = int64(len(video))
	}
	return &OutputResult{
		Provider:  oh.sp.Provider(),
		ObjectKey: out.ObjectKey,
		Size:      size,
	}, nil
}
