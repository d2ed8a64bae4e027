package marketplace

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"market_watch/internal/filter"
	"market_watch/internal/model"
)

// QueryPlaceholder is replaced by the escaped keywords in a feed URL template.
const QueryPlaceholder = "{query}"

var priceRe = regexp.MustCompile(`(?:US)?\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)`)

// FeedClient searches a marketplace that publishes search results as RSS or Atom.
// Server-side the feed only understands keywords, so every other criterion is
// applied to the parsed items.
type FeedClient struct {
	client   HTTPClient
	template string
	limit    int
}

// NewFeedClient creates a FeedClient. The template must contain
// QueryPlaceholder or accept a q parameter.
func NewFeedClient(client HTTPClient, template string, limit int) (*FeedClient, error) {
	if template == "" {
		return nil, fmt.Errorf("%w: feed url is required", model.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 15
	}
	return &FeedClient{client: client, template: template, limit: limit}, nil
}

// Search fetches the feed for q and returns at most limit matching items.
func (f *FeedClient) Search(ctx context.Context, q Query) (*Result, error) {
	target, err := f.searchURL(q.Keywords)
	if err != nil {
		return nil, err
	}
	feed, err := f.fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	items := make([]model.Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		items = append(items, toItem(it))
	}
	items = filter.Apply(items, q.Criteria())
	total := len(items)
	if len(items) > f.limit {
		items = items[:f.limit]
	}
	return &Result{Items: items, Total: total}, nil
}

func (f *FeedClient) searchURL(keywords []string) (string, error) {
	query := strings.Join(keywords, " ")
	if strings.Contains(f.template, QueryPlaceholder) {
		return strings.ReplaceAll(f.template, QueryPlaceholder, url.QueryEscape(query)), nil
	}
	u, err := url.Parse(f.template)
	if err != nil {
		return "", fmt.Errorf("%w: feed url: %v", model.ErrInvalidArgument, err)
	}
	v := u.Query()
	v.Set("q", query)
	u.RawQuery = v.Encode()
	return u.String(), nil
}

func (f *FeedClient) fetch(ctx context.Context, target string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "MarketWatch/1.0")
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.Transient("feed search", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return nil, model.Transient("feed search", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, model.Transient("feed search", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, model.Transient("feed search", fmt.Errorf("parse feed: %w", err))
	}
	return feed, nil
}

// ItemGUID returns the identifier of a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func toItem(it *gofeed.Item) model.Item {
	out := model.Item{
		ID:    ItemGUID(it),
		Title: strings.TrimSpace(it.Title),
		Link:  it.Link,
	}
	if it.Author != nil {
		out.Seller = it.Author.Name
	}
	if it.Image != nil {
		out.Image = it.Image.URL
	}
	for _, enc := range it.Enclosures {
		if out.Image == "" && strings.HasPrefix(enc.Type, "image/") {
			out.Image = enc.URL
		}
	}
	desc := it.Description
	if desc == "" {
		desc = it.Content
	}
	parseDescription(desc, &out)
	return out
}

// parseDescription fills price, currency, condition and image from the
// item's HTML description where the feed carries them.
func parseDescription(html string, out *model.Item) {
	if strings.TrimSpace(html) == "" {
		return
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return
	}

	if out.Image == "" {
		if src, ok := doc.Find("img").First().Attr("src"); ok {
			out.Image = src
		}
	}

	if v, ok := doc.Find("[data-price]").First().Attr("data-price"); ok {
		if p, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err == nil {
			out.Price = p
			out.Currency = "USD"
		}
	}
	if out.Price == 0 {
		text := doc.Find(".price").First().Text()
		if text == "" {
			text = doc.Text()
		}
		if m := priceRe.FindStringSubmatch(text); m != nil {
			if p, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
				out.Price = p
				out.Currency = "USD"
			}
		}
	}

	if c := strings.TrimSpace(doc.Find(".condition").First().Text()); c != "" {
		out.Condition = c
	} else if c, ok := doc.Find("[data-condition]").First().Attr("data-condition"); ok {
		out.Condition = c
	}
	if out.Seller == "" {
		out.Seller = strings.TrimSpace(doc.Find(".seller").First().Text())
	}
}
