package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pders01/podds/internal/gateway"
)

// maxAPIBody bounds directory responses.
const maxAPIBody = 8 << 20

// getJSON fetches endpoint through gw and decodes the JSON body into v.
func getJSON(ctx context.Context, gw *gateway.Client, endpoint string, header http.Header, v any) error {
	resp, err := gw.Fetch(ctx, gateway.Request{URL: endpoint, Header: header})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAPIBody)).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}
