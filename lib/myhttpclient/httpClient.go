package myhttpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	timeout = 10 * time.Second
)

type httpClient struct {
	client *http.Client
}

func newHTTPClient() HTTPSender {
	return &httpClient{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c httpClient) Send(ctx context.Context, method string, url string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, []byte{}, fmt.Errorf("error creating http request for %s %s: %s", method, url, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	return c.do(httpReq)
}

func (c httpClient) SendForm(ctx context.Context, url string, values url.Values) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(values.Encode()))
	if err != nil {
		return 0, []byte{}, fmt.Errorf("error creating http request for POST %s: %s", url, err)
	}

	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	return c.do(httpReq)
}

// Request and response bodies are not dumped: they carry merchant hashes and customer data.
func (c httpClient) do(httpReq *http.Request) (int, []byte, error) {
	log.Printf("HTTP request: %s %s", httpReq.Method, httpReq.URL.Redacted())

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, []byte{}, fmt.Errorf("error sending %s %s: %s", httpReq.Method, httpReq.URL.Redacted(), err)
	}
	defer httpResp.Body.Close()

	respPayload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return 0, []byte{}, fmt.Errorf("error reading response %s %s: %s", httpReq.Method, httpReq.URL.Redacted(), err)
	}

	log.Printf("HTTP resp: %d", httpResp.StatusCode)

	return httpResp.StatusCode, respPayload, nil
}
