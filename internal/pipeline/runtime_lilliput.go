//go:build lilliput && cgo && !govips

package pipeline

const Backend = "lilliput"

func Startup() error {
	return nil
}

func Shutdown() {}

func newTransformer() (Transformer, error) {
	return lilliputTransformer{}, nil
}
