package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/h2non/filetype"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/transfer"
	"golang.org/x/time/rate"
)

const (
	maxImageBytes    = 5 * 1024 * 1024
	maxImages        = 10
	imageRecipe      = "urn:li:digitalmediaRecipe:feedshare-image"
	restliVersion    = "2.0.0"
	memberVisibility = "com.linkedin.ugc.MemberNetworkVisibility"
)

var duplicatePattern = regexp.MustCompile(`duplicate of (urn:li:[A-Za-z]+:[0-9]+)`)

type LinkedInClient struct {
	baseURL    string
	httpClient *http.Client
	// fetches user supplied media
	downloader *http.Client
	limiter    *rate.Limiter
	thumbs     ThumbnailResolver
}

// NewLinkedInClient builds a client for the API at baseURL. requestsPerSecond
// paces every outgoing call; timeout bounds each one.
func NewLinkedInClient(baseURL string, timeout time.Duration, requestsPerSecond int, thumbs ThumbnailResolver) *LinkedInClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &LinkedInClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		downloader: newDownloadClient(timeout),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		thumbs:     thumbs,
	}
}

// newDownloadClient only dials public unicast addresses, redirects included.
func newDownloadClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || !publicAddress(ip) {
				return fmt.Errorf("address %s is not allowed", host)
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}

func publicAddress(ip net.IP) bool {
	return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast() && !ip.IsMulticast()
}

func (c *LinkedInClient) Platform() string {
	return models.PlatformLinkedIn
}

// AuthorURN turns a stored member id into the URN used as post author.
func AuthorURN(accountID string) string {
	if strings.HasPrefix(accountID, "urn:li:") {
		return accountID
	}
	return "urn:li:person:" + accountID
}

func (c *LinkedInClient) Prepare(ctx context.Context, token, author string, content models.Content) (*Prepared, error) {
	p := &Prepared{
		Author:    AuthorURN(author),
		Content:   content,
		Category:  "NONE",
		Thumbnail: content.ThumbnailURL,
	}

	switch {
	case content.Type.IsImage() && len(content.MediaURLs) > 0:
		assets, dropped, err := c.uploadImages(ctx, token, p.Author, content.MediaURLs)
		if err != nil {
			return nil, err
		}
		p.Category = "IMAGE"
		p.Media = assets
		p.Dropped = dropped

	case content.SourceURL != "" || content.Type.IsVideo() || content.Type == models.PostTypeArticle:
		link := content.SourceURL
		if link == "" && len(content.MediaURLs) > 0 {
			link = content.MediaURLs[0]
		}
		if link == "" {
			break
		}
		p.Category = "ARTICLE"
		p.Media = []string{link}
		if p.Thumbnail == "" && c.thumbs != nil {
			p.Thumbnail = c.thumbs.Thumbnail(ctx, link)
		}
	}

	return p, nil
}

func (c *LinkedInClient) buildPost(p *Prepared, target models.Target, visibility models.Visibility) *transfer.UGCPost {
	share := transfer.UGCShareContent{
		ShareCommentary:    transfer.UGCText{Text: p.Content.Body},
		ShareMediaCategory: p.Category,
	}

	switch p.Category {
	case "IMAGE":
		for _, asset := range p.Media {
			m := transfer.UGCMedia{Status: "READY", Media: asset}
			if p.Content.Title != "" {
				m.Title = &transfer.UGCText{Text: p.Content.Title}
			}
			share.Media = append(share.Media, m)
		}
	case "ARTICLE":
		m := transfer.UGCMedia{Status: "READY", OriginalURL: p.Media[0]}
		if p.Content.Title != "" {
			m.Title = &transfer.UGCText{Text: p.Content.Title}
		}
		if p.Thumbnail != "" {
			m.Thumbnails = []transfer.UGCThumb{{URL: p.Thumbnail}}
		}
		share.Media = []transfer.UGCMedia{m}
	}

	post := &transfer.UGCPost{
		Author:          p.Author,
		LifecycleState:  "PUBLISHED",
		SpecificContent: transfer.UGCSpecific{ShareContent: share},
	}

	if target.Kind == models.TargetGroup {
		post.ContainerEntity = "urn:li:group:" + target.ID
		post.Visibility = map[string]string{memberVisibility: "CONTAINER"}
	} else {
		if visibility == "" {
			visibility = models.VisibilityPublic
		}
		post.Visibility = map[string]string{memberVisibility: string(visibility)}
	}
	return post
}

// Publish creates the post on one target and returns the platform URN. A
// duplicate-content rejection that names the existing post counts as success.
func (c *LinkedInClient) Publish(ctx context.Context, token string, p *Prepared, target models.Target, visibility models.Visibility) (string, error) {
	body, err := json.Marshal(c.buildPost(p, target, visibility))
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/v2/ugcPosts", token, "application/json", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode == http.StatusCreated {
		var out transfer.UGCPostResponse
		_ = json.Unmarshal(raw, &out)
		if out.ID == "" {
			out.ID = resp.Header.Get("X-RestLi-Id")
		}
		if out.ID == "" {
			return "", &Error{Platform: c.Platform(), StatusCode: resp.StatusCode, Message: "post created without an id"}
		}
		return out.ID, nil
	}

	msg := errorMessage(raw)
	if m := duplicatePattern.FindStringSubmatch(msg); len(m) == 2 {
		slog.Info("linkedin reported duplicate content", "urn", m[1], "target", target.Key())
		return m[1], nil
	}
	return "", &Error{Platform: c.Platform(), StatusCode: resp.StatusCode, Message: msg}
}

func (c *LinkedInClient) Profile(ctx context.Context, token string) (*Profile, error) {
	var info transfer.LinkedInUserInfo
	if err := c.getJSON(ctx, "/v2/userinfo", token, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, &Error{Platform: c.Platform(), Message: "profile has no member id"}
	}
	return &Profile{ID: info.Sub, Name: info.Name, Username: info.Email, Picture: info.Picture}, nil
}

// Capabilities reports what the token can actually do.
func (c *LinkedInClient) Capabilities(ctx context.Context, token string) (models.Capabilities, error) {
	caps := models.NewCapabilities()

	var me transfer.LinkedInMe
	profileErr := c.getJSON(ctx, "/v2/me", token, &me)
	if profileErr != nil {
		var info transfer.LinkedInUserInfo
		profileErr = c.getJSON(ctx, "/v2/userinfo", token, &info)
	}
	if profileErr != nil {
		// only a rejected token means the account cannot post
		var apiErr *Error
		if errors.As(profileErr, &apiErr) && apiErr.Unauthorized() {
			return caps, nil
		}
		return nil, profileErr
	}
	caps[models.CapabilityBasicPosting] = true
	caps[models.CapabilityImagePosting] = true

	var acls transfer.LinkedInACLs
	if err := c.getJSON(ctx, "/v2/organizationalEntityAcls?q=roleAssignee&role=ADMINISTRATOR&state=APPROVED", token, &acls); err != nil {
		slog.Info("linkedin organization lookup failed", "error", err)
	} else if len(acls.Elements) > 0 {
		caps[models.CapabilityOrganizationAdmin] = true
		caps[models.CapabilityAnalyticsRead] = true
	}

	return caps, nil
}

// uploadImages uploads what it can and returns the urls it had to leave out.
// It fails only when no image made it.
func (c *LinkedInClient) uploadImages(ctx context.Context, token, owner string, urls []string) ([]string, []string, error) {
	var dropped []string
	if len(urls) > maxImages {
		dropped = append(dropped, urls[maxImages:]...)
		urls = urls[:maxImages]
	}

	var assets []string
	var errs []string
	for _, u := range urls {
		asset, err := c.uploadImage(ctx, token, owner, u)
		if err != nil {
			slog.Warn("linkedin image upload failed", "url", u, "error", err)
			errs = append(errs, err.Error())
			dropped = append(dropped, u)
			continue
		}
		assets = append(assets, asset)
	}

	if len(assets) == 0 {
		return nil, nil, &Error{Platform: c.Platform(), Message: "no image could be uploaded: " + strings.Join(errs, "; ")}
	}
	return assets, dropped, nil
}

func (c *LinkedInClient) uploadImage(ctx context.Context, token, owner, imageURL string) (string, error) {
	data, mime, err := c.download(ctx, imageURL)
	if err != nil {
		return "", err
	}

	reg := transfer.RegisterUploadRequest{
		RegisterUploadRequest: transfer.RegisterUploadBody{
			Recipes: []string{imageRecipe},
			Owner:   owner,
			ServiceRelationships: []transfer.ServiceRelationship{{
				RelationshipType: "OWNER",
				Identifier:       "urn:li:userGeneratedContent",
			}},
		},
	}
	body, err := json.Marshal(reg)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/v2/assets?action=registerUpload", token, "application/json", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &Error{Platform: c.Platform(), StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var registered transfer.RegisterUploadResponse
	if err := json.Unmarshal(raw, &registered); err != nil {
		return "", fmt.Errorf("decode register upload: %w", err)
	}
	uploadURL := registered.Value.UploadMechanism.MediaUpload.UploadURL
	if uploadURL == "" || registered.Value.Asset == "" {
		return "", &Error{Platform: c.Platform(), StatusCode: resp.StatusCode, Message: "register upload returned no upload url"}
	}

	put, err := c.do(ctx, http.MethodPut, uploadURL, token, mime, data)
	if err != nil {
		return "", err
	}
	defer put.Body.Close()

	if put.StatusCode != http.StatusOK && put.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(put.Body, 64*1024))
		return "", &Error{Platform: c.Platform(), StatusCode: put.StatusCode, Message: errorMessage(raw)}
	}

	return registered.Value.Asset, nil
}

// download fetches an image of at most 5 MB and sniffs its type.
func (c *LinkedInClient) download(ctx context.Context, imageURL string) ([]byte, string, error) {
	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("download image: unsupported url %q", imageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.downloader.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", errors.New("image exceeds 5 MB")
	}

	kind, err := filetype.Match(data)
	if err != nil || !filetype.IsImage(data) {
		return nil, "", errors.New("downloaded file is not an image")
	}
	return data, kind.MIME.Value, nil
}

func (c *LinkedInClient) getJSON(ctx context.Context, path, token string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+path, token, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if resp.StatusCode != http.StatusOK {
		return &Error{Platform: c.Platform(), StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	return json.Unmarshal(raw, out)
}

func (c *LinkedInClient) do(ctx context.Context, method, url, token, contentType string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Restli-Protocol-Version", restliVersion)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("linkedin %s %s: %w", method, req.URL.Path, err)
	}
	return resp, nil
}

func errorMessage(raw []byte) string {
	var apiErr transfer.LinkedInError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "empty response"
	}
	return Truncate(msg, 300)
}
