package controlplane

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// VDCEndpoints returns the inter-VDC endpoint addresses of every virtual
// data center, one slice per VDC in listing order.
func (c *Client) VDCEndpoints(ctx context.Context) ([][]string, error) {
	token, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/object/vdcs/vdc/list", nil)
	if err != nil {
		return nil, fmt.Errorf("build vdc list request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set(AuthTokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vdc list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return parseVDCList(resp.Body)
}

// parseVDCList collects every interVdcEndPoints element wherever it is
// nested in the document.
func parseVDCList(r io.Reader) ([][]string, error) {
	dec := xml.NewDecoder(r)
	var vdcs [][]string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return vdcs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse vdc list: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "interVdcEndPoints" {
			continue
		}
		var list string
		if err := dec.DecodeElement(&list, &start); err != nil {
			return nil, fmt.Errorf("parse vdc endpoints: %w", err)
		}

		var nodes []string
		for _, ip := range strings.Split(list, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				nodes = append(nodes, ip)
			}
		}
		vdcs = append(vdcs, nodes)
	}
}
