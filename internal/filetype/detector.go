package filetype

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Kind is the routing class of an input file.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindImage       Kind = "image"
	KindUnsupported Kind = "unsupported"
)

// Info contains detected file type information.
type Info struct {
	Kind        Kind
	MIMEType    string
	Extension   string
	Description string
}

// Supported reports whether the service can process this input.
func (i Info) Supported() bool { return i.Kind != KindUnsupported }

// Detector routes inputs by magic bytes, never by filename.
type Detector struct{}

// New creates a file type detector.
func New() *Detector {
	return &Detector{}
}

// Detect classifies the file at path into pdf, image or unsupported.
func (d *Detector) Detect(filePath string) (Info, error) {
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return Info{}, fmt.Errorf("detect file type: %w", err)
	}

	mimeType := mtype.String()
	info := Info{MIMEType: mimeType, Extension: mtype.Extension()}

	switch mimeType {
	case "application/pdf":
		info.Kind = KindPDF
		info.Description = "PDF document"
	case "image/png":
		info.Kind = KindImage
		info.Description = "PNG image"
	case "image/jpeg":
		info.Kind = KindImage
		info.Description = "JPEG image"
	default:
		info.Kind = KindUnsupported
		info.Description = fmt.Sprintf("Unsupported file type: %s", mimeType)
	}

	log.Debug().Str("mime", mimeType).Str("kind", string(info.Kind)).Str("file", filePath).Msg("detected file type")
	return info, nil
}
