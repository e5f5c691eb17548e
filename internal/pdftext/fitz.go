package pdftext

import (
	"github.com/gen2brain/go-fitz"
)

// fitzOpener is the production Opener backed by MuPDF.
type fitzOpener struct{}

func (fitzOpener) Open(path string) (Doc, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return fitzDoc{doc}, nil
}

type fitzDoc struct {
	doc *fitz.Document
}

func (d fitzDoc) NumPage() int { return d.doc.NumPage() }

func (d fitzDoc) Text(pageIndex int) (string, error) { return d.doc.Text(pageIndex) }

func (d fitzDoc) Close() error { return d.doc.Close() }
