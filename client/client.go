// Package client is the thin REST client the gateway session uses to
// discover its websocket endpoint.
package client

import (
	"errors"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnauthorized is returned when the API rejects the token.
var ErrUnauthorized = errors.New("invalid token passed")

// Client represents the REST client
type Client struct {
	Token string

	HTTP *http.Client

	// We will manually add the API version
	APIVersion string

	// Used to safely create URLs and is filled if empty
	URLHost   string
	URLScheme string
	UserAgent string
}

// GatewayResponse is the payload of the gateway discovery endpoint.
type GatewayResponse struct {
	URL string `json:"url"`
}

// GatewayBotResponse carries the recommended shard count and session
// start limits alongside the gateway URL.
type GatewayBotResponse struct {
	URL          string `json:"url"`
	Shards       int    `json:"shards"`
	SessionLimit struct {
		Total     int `json:"total"`
		Remaining int `json:"remaining"`
	} `json:"session_start_limit"`
}

// NewClient makes a new client
func NewClient(token string) *Client {
	return &Client{
		Token:      strings.TrimPrefix(token, "Bot "),
		HTTP:       http.DefaultClient,
		APIVersion: "6",
		URLHost:    "discord.com",
		URLScheme:  "https",
	}
}

// FetchJSON attempts to convert the response into a JSON structure
func (c *Client) FetchJSON(method string, url string, body io.Reader, structure interface{}) (err error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return
	}

	res, err := c.HandleRequest(req)
	if err != nil {
		return
	}
	defer res.Body.Close()

	err = json.NewDecoder(res.Body).Decode(structure)
	if err != nil {
		return err
	}

	return
}

// HandleRequest makes a request to the Discord API
func (c *Client) HandleRequest(req *http.Request) (res *http.Response, err error) {
	req.URL.Path = "/api/v" + c.APIVersion + req.URL.Path

	// Fill out Host and Scheme if it is empty
	if req.URL.Host == "" {
		req.URL.Host = c.URLHost
	}
	if req.URL.Scheme == "" {
		req.URL.Scheme = c.URLScheme
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bot "+c.Token)
	}

	res, err = c.HTTP.Do(req)
	if err != nil {
		return
	}

	if res.StatusCode == http.StatusUnauthorized {
		res.Body.Close()
		err = ErrUnauthorized
		return
	}

	return
}

// Gateway returns the websocket address used for the event stream.
func (c *Client) Gateway() (string, error) {
	response := GatewayResponse{}
	if err := c.FetchJSON("GET", "/gateway", nil, &response); err != nil {
		return "", err
	}
	return response.URL, nil
}

// GatewayBot returns the gateway address along with the recommended
// shard count and remaining session starts.
func (c *Client) GatewayBot() (*GatewayBotResponse, error) {
	response := GatewayBotResponse{}
	if err := c.FetchJSON("GET", "/gateway/bot", nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}
