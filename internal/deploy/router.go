package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wgfleet/internal/apperr"
	"wgfleet/internal/keys"
	"wgfleet/internal/models"
)

// RouterClient пушит peer-записи в REST API роутера MikroTik
// (/rest/interface/wireguard/peers). Upsert ключуется по public-key,
// comment несёт имя пира для опознания записи на стороне роутера.
type RouterClient struct {
	http   *http.Client
	cipher *keys.Cipher
}

func NewRouterClient(cipher *keys.Cipher, timeout time.Duration) *RouterClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RouterClient{http: &http.Client{Timeout: timeout}, cipher: cipher}
}

type routerPeer struct {
	ID             string `json:".id,omitempty"`
	Interface      string `json:"interface,omitempty"`
	PublicKey      string `json:"public-key,omitempty"`
	PresharedKey   string `json:"preshared-key,omitempty"`
	AllowedAddress string `json:"allowed-address,omitempty"`
	Keepalive      string `json:"persistent-keepalive,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

func (c *RouterClient) UpsertPeer(ctx context.Context, srv *models.Server, p *models.Peer) error {
	body := routerPeer{
		Interface:      srv.Interface,
		PublicKey:      p.PublicKey,
		AllowedAddress: strings.Join(append(p.Addresses(), p.LanSubnetList()...), ","),
		Comment:        p.Name,
	}
	if p.PresharedKey != "" {
		psk, err := c.cipher.Decrypt(p.PresharedKey)
		if err != nil {
			return err
		}
		body.PresharedKey = psk
	}
	if p.Keepalive > 0 {
		body.Keepalive = strconv.Itoa(p.Keepalive) + "s"
	}

	id, err := c.findPeerID(ctx, srv, p.PublicKey)
	if err != nil {
		return err
	}
	if id == "" {
		return c.do(ctx, srv, http.MethodPut, "/rest/interface/wireguard/peers", body, nil)
	}
	return c.do(ctx, srv, http.MethodPatch, "/rest/interface/wireguard/peers/"+url.PathEscape(id), body, nil)
}

func (c *RouterClient) RemovePeer(ctx context.Context, srv *models.Server, p *models.Peer) error {
	id, err := c.findPeerID(ctx, srv, p.PublicKey)
	if err != nil {
		return err
	}
	if id == "" {
		return nil // уже нет — удалять нечего
	}
	return c.do(ctx, srv, http.MethodDelete, "/rest/interface/wireguard/peers/"+url.PathEscape(id), nil, nil)
}

func (c *RouterClient) findPeerID(ctx context.Context, srv *models.Server, publicKey string) (string, error) {
	var found []routerPeer
	path := "/rest/interface/wireguard/peers?public-key=" + url.QueryEscape(publicKey)
	if err := c.do(ctx, srv, http.MethodGet, path, nil, &found); err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", nil
	}
	return found[0].ID, nil
}

func (c *RouterClient) do(ctx context.Context, srv *models.Server, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(srv.RouterAPIURL, "/")+path, rd)
	if err != nil {
		return err
	}
	pass, err := c.cipher.Decrypt(srv.RouterPassword)
	if err != nil {
		return err
	}
	req.SetBasicAuth(srv.RouterUser, pass)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Deployf("router %s: %v", srv.RouterAPIURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Deployf("router %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
