// Сборка сетевого транспорта для MTProto-клиента: прямое соединение либо
// SOCKS5/HTTP-прокси из конфигурации. Аккаунты с эксклюзивным прокси получают
// собственный dialer.

package telegram

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/config"
)

// DialFunc совпадает с контрактом dcs.DialFunc из gotd.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewDialer строит функцию соединения согласно настройке прокси.
func NewDialer(cfg config.ProxyConfig) (DialFunc, error) {
	if !cfg.Enabled || cfg.Type == "" || cfg.Type == "direct" {
		d := &net.Dialer{}
		return d.DialContext, nil
	}

	switch cfg.Type {
	case "socks5":
		var auth *proxy.Auth
		if cfg.Username != "" {
			auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		d, err := proxy.SOCKS5("tcp", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)), auth, proxy.Direct)
		if err != nil {
			return nil, errkind.Wrap(errkind.Configuration, err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errkind.Newf(errkind.Configuration, "socks5 dialer lacks context support")
		}
		return cd.DialContext, nil

	case "http":
		u := &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		}
		if cfg.Username != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		}
		return httpConnectDialer(u), nil

	default:
		return nil, errkind.Newf(errkind.Configuration, "proxy type %q is not supported", cfg.Type)
	}
}

// httpConnectDialer устанавливает TCP-туннель через HTTP CONNECT.
func httpConnectDialer(proxyURL *url.URL) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := &net.Dialer{}
		conn, err := d.DialContext(ctx, network, proxyURL.Host)
		if err != nil {
			return nil, err
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if u := proxyURL.User; u != nil {
			pass, _ := u.Password()
			req.SetBasicAuth(u.Username(), pass)
		}
		if err := req.Write(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}

		// Читаем строку статуса ответа CONNECT напрямую: тело отсутствует.
		buf := make([]byte, 0, 256)
		tmp := make([]byte, 1)
		for {
			if _, err := conn.Read(tmp); err != nil {
				_ = conn.Close()
				return nil, err
			}
			buf = append(buf, tmp[0])
			if len(buf) >= 4 && string(buf[len(buf)-4:]) == "\r\n\r\n" {
				break
			}
			if len(buf) > 4096 {
				_ = conn.Close()
				return nil, errkind.Newf(errkind.Protocol, "http proxy: oversized CONNECT response")
			}
		}
		if len(buf) < 12 || string(buf[9:12]) != "200" {
			_ = conn.Close()
			return nil, errkind.Newf(errkind.Protocol, "http proxy: CONNECT refused")
		}
		return conn, nil
	}
}
