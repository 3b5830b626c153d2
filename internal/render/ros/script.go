// Package ros рендерит provisioning-скрипт для роутеров класса MikroTik
// (RouterOS .rsc). Все команды идемпотентны: повторный прогон скрипта на
// неизменном состоянии — no-op.
package ros

import (
	"fmt"
	"strings"

	"wgfleet/internal/render/tunnel"
)

// Префикс отделяет наши интерфейсы от созданных руками.
const ifacePrefix = "wgf-"

// Лимит длины имени интерфейса на целевой платформе.
const maxIfaceName = 15

// InterfaceName — имя wg-интерфейса из имени пира: slug, префикс, ≤15 символов.
func InterfaceName(peerName string) string {
	slug := Slug(peerName)
	if slug == "" {
		slug = "peer"
	}
	name := ifacePrefix + slug
	if len(name) > maxIfaceName {
		name = name[:maxIfaceName]
	}
	return strings.TrimRight(name, "-")
}

// Slug — [a-z0-9-] из произвольного имени.
func Slug(s string) string {
	var b strings.Builder
	prevDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// Script — полный .rsc: снести одноимённый интерфейс, создать заново из
// приватного ключа пира, назначить адреса, прописать сервер peer-записью,
// включить интерфейс и добавить маршруты с existence-проверками.
func Script(v tunnel.View) string {
	iface := InterfaceName(v.PeerName)
	host, port := splitEndpoint(v.Endpoint)

	var b strings.Builder
	fmt.Fprintf(&b, "# wgfleet provisioning script for %q\n", v.PeerName)
	b.WriteString("# safe to re-run: existing state is replaced or skipped\n\n")

	// 1) старый интерфейс с тем же именем убираем целиком
	fmt.Fprintf(&b, "/interface wireguard\n")
	fmt.Fprintf(&b, ":if ([:len [find where name=%q]] > 0) do={ remove [find where name=%q] }\n", iface, iface)

	// 2) новый интерфейс из ключа пира
	fmt.Fprintf(&b, "add name=%q private-key=%q", iface, v.PrivateKey)
	if v.MTU > 0 {
		fmt.Fprintf(&b, " mtu=%d", v.MTU)
	}
	b.WriteString("\n\n")

	// 3) адреса пира
	b.WriteString("/ip address\n")
	for _, a := range v.Addresses {
		fmt.Fprintf(&b, ":if ([:len [find where interface=%q && address=%q]] = 0) do={ add address=%q interface=%q }\n",
			iface, a, a, iface)
	}
	b.WriteString("\n")

	// 4) сервер как peer-запись (remove+add = upsert)
	b.WriteString("/interface wireguard peers\n")
	fmt.Fprintf(&b, ":if ([:len [find where interface=%q]] > 0) do={ remove [find where interface=%q] }\n", iface, iface)
	fmt.Fprintf(&b, "add interface=%q public-key=%q", iface, v.ServerPublicKey)
	if v.PresharedKey != "" {
		fmt.Fprintf(&b, " preshared-key=%q", v.PresharedKey)
	}
	fmt.Fprintf(&b, " endpoint-address=%q endpoint-port=%s", host, port)
	if len(v.AllowedIPs) > 0 {
		fmt.Fprintf(&b, " allowed-address=%q", strings.Join(v.AllowedIPs, ","))
	}
	if v.Keepalive > 0 {
		fmt.Fprintf(&b, " persistent-keepalive=%ds", v.Keepalive)
	}
	fmt.Fprintf(&b, " comment=%q\n\n", v.PeerName)

	// 5) включить
	fmt.Fprintf(&b, "/interface wireguard set [find where name=%q] disabled=no\n\n", iface)

	// 6) маршруты до разрешённых сетей, с проверкой существования
	b.WriteString("/ip route\n")
	for _, dst := range v.AllowedIPs {
		fmt.Fprintf(&b, ":if ([:len [find where dst-address=%q && gateway=%q]] = 0) do={ add dst-address=%q gateway=%q comment=\"wgfleet\" }\n",
			dst, iface, dst, iface)
	}
	return b.String()
}

func splitEndpoint(ep string) (host, port string) {
	if i := strings.LastIndex(ep, ":"); i > 0 {
		return ep[:i], ep[i+1:]
	}
	return ep, "51820"
}
