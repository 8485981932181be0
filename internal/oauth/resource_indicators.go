package oauth

import (
	"fmt"
	"net/url"
	"slices"
)

// maxResources bounds the resource values of one request (RFC 8707)
const maxResources = 100

// ResolveResources turns the raw resource parameters of an implicit request
// into the audience list of the token. Values are deduplicated in order,
// empties dropped. Each must be an absolute URI without fragment and, when
// the client declares resource ids, one of them.
func ResolveResources(raw []string, client *Client) ([]string, error) {
	if len(raw) > maxResources {
		return nil, fmt.Errorf("too many resource parameters: %d (maximum: %d)", len(raw), maxResources)
	}

	var resources []string
	for _, value := range raw {
		if value == "" || slices.Contains(resources, value) {
			continue
		}
		if err := checkResource(value, client); err != nil {
			return nil, err
		}
		resources = append(resources, value)
	}
	return resources, nil
}

func checkResource(value string, client *Client) error {
	u, err := url.Parse(value)
	switch {
	case err != nil:
		return fmt.Errorf("resource %q is not a valid URI: %w", value, err)
	case !u.IsAbs() || u.Host == "":
		return fmt.Errorf("resource %q must be an absolute URI", value)
	case u.Fragment != "":
		return fmt.Errorf("resource %q must not carry a fragment", value)
	case len(client.ResourceIDs) > 0 && !slices.Contains(client.ResourceIDs, value):
		return fmt.Errorf("resource %q is not registered for client %s", value, client.ID)
	}
	return nil
}
