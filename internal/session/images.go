package session

import (
	"bytes"
	"encoding/base64"
	"image/jpeg"
	"image/png"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// NormalizeImage downscales an inbound attachment so its long edge fits
// maxEdge, re-encoding PNG attachments as PNG and every other decodable
// format as JPEG (the media type is updated to match). Anything that cannot be
// decoded passes through untouched — backends do their own validation.
func NormalizeImage(img protocol.ImageAttachment, maxEdge int) protocol.ImageAttachment {
	if maxEdge <= 0 {
		return img
	}
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return img
	}
	decoded, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return img
	}
	bounds := decoded.Bounds()
	if bounds.Dx() <= maxEdge && bounds.Dy() <= maxEdge {
		return img
	}

	resized := imaging.Fit(decoded, maxEdge, maxEdge, imaging.Lanczos)

	var buf bytes.Buffer
	mediaType := "image/jpeg"
	if img.MediaType == "image/png" {
		mediaType = "image/png"
		err = png.Encode(&buf, resized)
	} else {
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		slog.Debug("image re-encode failed, passing original", "error", err)
		return img
	}
	img.MediaType = mediaType
	img.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
	return img
}
