//go:build !cgo || (!govips && !lilliput)

package pipeline

const Backend = "stdlib"

func Startup() error {
	return nil
}

func Shutdown() {}

func newTransformer() (Transformer, error) {
	return stdlibTransformer{}, nil
}
