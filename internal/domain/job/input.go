package job

import "fmt"

// InputKind tags the PaperInput variant. Stored alongside the value so the
// three variants round-trip through JSONB without reflection tricks.
type InputKind string

const (
	InputTitle InputKind = "TITLE"
	InputArxiv InputKind = "ARXIV"
	InputPDF   InputKind = "PDF"
)

// PaperInput is a closed sum type over the three ways a job may be seeded.
// Exactly one of the fields is meaningful, selected by Kind; callers should
// always go through the constructors below rather than building one by hand.
type PaperInput struct {
	Kind    InputKind `json:"kind"`
	Title   string    `json:"title,omitempty"`
	Arxiv   string    `json:"arxiv,omitempty"`
	PDFBlob string    `json:"pdf_blob,omitempty"` // blob_ref into the Blob Store
}

func NewTitleInput(title string) PaperInput { return PaperInput{Kind: InputTitle, Title: title} }
func NewArxivInput(id string) PaperInput    { return PaperInput{Kind: InputArxiv, Arxiv: id} }
func NewPDFInput(blobRef string) PaperInput { return PaperInput{Kind: InputPDF, PDFBlob: blobRef} }

// Validate rejects malformed inputs synchronously, before a Job ever exists.
func (p PaperInput) Validate() error {
	switch p.Kind {
	case InputTitle:
		if p.Title == "" {
			return fmt.Errorf("title input: empty title")
		}
	case InputArxiv:
		if p.Arxiv == "" {
			return fmt.Errorf("arxiv input: empty identifier")
		}
	case InputPDF:
		if p.PDFBlob == "" {
			return fmt.Errorf("pdf input: empty blob reference")
		}
	default:
		return fmt.Errorf("unknown input kind %q", p.Kind)
	}
	return nil
}

// Switch is the exhaustive visitor pattern callers use instead of a type
// switch on an interface{}; the compiler cannot help with a closed sum type
// modeled as a struct, but a consistent visitor keeps call sites honest.
func (p PaperInput) Switch(onTitle func(string), onArxiv func(string), onPDF func(string)) {
	switch p.Kind {
	case InputTitle:
		onTitle(p.Title)
	case InputArxiv:
		onArxiv(p.Arxiv)
	case InputPDF:
		onPDF(p.PDFBlob)
	}
}
