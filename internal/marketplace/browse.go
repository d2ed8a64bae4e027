package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"market_watch/internal/model"
)

// tokenExpiryBuffer is how long before its stated expiry a token is refreshed.
const tokenExpiryBuffer = 5 * time.Minute

const browseScope = "https://api.ebay.com/oauth/api_scope"

// BrowseConfig configures a BrowseClient.
type BrowseConfig struct {
	APIURL        string
	AuthURL       string
	ClientID      string
	ClientSecret  string
	MarketplaceID string
	Limit         int
}

// BrowseClient searches the eBay Browse API using an application token.
type BrowseClient struct {
	client HTTPClient
	cfg    BrowseConfig
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewBrowseClient creates a BrowseClient.
func NewBrowseClient(client HTTPClient, cfg BrowseConfig) (*BrowseClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: marketplace client id and secret are required", model.ErrInvalidArgument)
	}
	if cfg.MarketplaceID == "" {
		cfg.MarketplaceID = "EBAY_US"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 15
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &BrowseClient{client: client, cfg: cfg, now: time.Now}, nil
}

// SetClock overrides the clock used for token expiry (useful for testing).
func (c *BrowseClient) SetClock(now func() time.Time) {
	c.now = now
}

type browseResponse struct {
	Total         int          `json:"total"`
	ItemSummaries []browseItem `json:"itemSummaries"`
}

type browseItem struct {
	ItemID string `json:"itemId"`
	Title  string `json:"title"`
	Price  struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"price"`
	Condition string `json:"condition"`
	Seller    struct {
		Username string `json:"username"`
	} `json:"seller"`
	ItemWebURL string `json:"itemWebUrl"`
	Image      struct {
		ImageURL string `json:"imageUrl"`
	} `json:"image"`
}

// Search runs an item_summary search sorted by newest listings first.
func (c *BrowseClient) Search(ctx context.Context, q Query) (*Result, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", strings.Join(q.Keywords, " "))
	params.Set("filter", buildFilter(q))
	params.Set("sort", "newlyListed")
	params.Set("limit", strconv.Itoa(c.cfg.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+"/item_summary/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", c.cfg.MarketplaceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, model.Transient("marketplace search", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Unauthorized() {
			c.invalidateToken()
		}
		return nil, model.Transient("marketplace search", err)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, model.Transient("marketplace search", err)
	}
	var br browseResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, model.Transient("marketplace search", fmt.Errorf("decode response: %w", err))
	}

	res := &Result{Items: make([]model.Item, 0, len(br.ItemSummaries)), Total: br.Total}
	for _, it := range br.ItemSummaries {
		price, _ := strconv.ParseFloat(it.Price.Value, 64)
		res.Items = append(res.Items, model.Item{
			ID:        it.ItemID,
			Title:     it.Title,
			Price:     price,
			Currency:  it.Price.Currency,
			Condition: it.Condition,
			Seller:    it.Seller.Username,
			Link:      it.ItemWebURL,
			Image:     it.Image.ImageURL,
		})
	}
	return res, nil
}

// buildFilter renders the Browse API filter expression for q.
func buildFilter(q Query) string {
	filters := []string{"priceCurrency:USD"}
	if q.MinPrice != nil || q.MaxPrice != nil {
		filters = append(filters, fmt.Sprintf("price:[%s..%s]", formatPrice(q.MinPrice), formatPrice(q.MaxPrice)))
	}
	if len(q.Conditions) > 0 {
		filters = append(filters, "conditions:{"+strings.Join(q.Conditions, "|")+"}")
	}
	if len(q.Sellers) > 0 {
		filters = append(filters, "sellers:{"+strings.Join(q.Sellers, "|")+"}")
	}
	return strings.Join(filters, ",")
}

func formatPrice(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// accessToken returns a cached application token, fetching a new one when
// the cached token is missing or within tokenExpiryBuffer of expiring.
func (c *BrowseClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires.Add(-tokenExpiryBuffer)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", browseScope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", model.Transient("marketplace auth", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return "", model.Transient("marketplace auth", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return "", model.Transient("marketplace auth", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", model.Transient("marketplace auth", fmt.Errorf("decode token: %w", err))
	}
	if tr.AccessToken == "" {
		return "", model.Transient("marketplace auth", errors.New("empty access token"))
	}

	c.token = tr.AccessToken
	c.expires = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *BrowseClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
