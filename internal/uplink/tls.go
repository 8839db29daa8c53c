package uplink

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

// TLSFiles names the PEM files of an mTLS identity.
type TLSFiles struct {
	CA   string
	Cert string
	Key  string
}

// NewLazyTLSHTTPClient returns a client whose TLS identity is read from files on
// first use, so credentials written later by provisioning are picked up without
// rebuilding the services holding the client. A failed load is retried on the
// next request.
func NewLazyTLSHTTPClient(files TLSFiles, fileClient file.FileOperations, connectTimeout time.Duration) *http.Client {
	return &http.Client{Transport: &lazyTransport{files: files, fileClient: fileClient, connectTimeout: connectTimeout}}
}

type lazyTransport struct {
	files          TLSFiles
	fileClient     file.FileOperations
	connectTimeout time.Duration

	mu    sync.Mutex
	inner http.RoundTripper
}

func (t *lazyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt, err := t.transport()
	if err != nil {
		return nil, err
	}
	return rt.RoundTrip(req)
}

func (t *lazyTransport) transport() (http.RoundTripper, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inner != nil {
		return t.inner, nil
	}

	var pems [3][]byte
	for i, path := range []string{t.files.CA, t.files.Cert, t.files.Key} {
		if path == "" {
			continue
		}
		data, err := t.fileClient.ReadFileRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read TLS material %s: %w", path, err)
		}
		pems[i] = data
	}

	client, err := NewTLSHTTPClient(pems[0], pems[1], pems[2], t.connectTimeout)
	if err != nil {
		return nil, err
	}
	t.inner = client.Transport
	return t.inner, nil
}
