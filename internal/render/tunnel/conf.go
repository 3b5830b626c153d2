// Package tunnel рендерит INI-конфиг туннеля, который понимает любой
// WireGuard-совместимый клиент. Порядок полей фиксирован — вывод для
// неизменного пира байт-в-байт воспроизводим.
package tunnel

import (
	"fmt"
	"strings"
)

// View — плоская модель «пир + его сервер» для обоих рендереров.
type View struct {
	// [Interface]
	PrivateKey string
	Addresses  []string // с host-префиксом: 10.0.0.2/32
	DNS        []string
	MTU        int

	// [Peer]
	ServerPublicKey string
	PresharedKey    string
	Endpoint        string   // host:port либо placeholder
	AllowedIPs      []string // сети сервера + его дополнительные маршруты
	Keepalive       int

	PeerName string
}

// Render — полный конфиг с [Interface] и [Peer].
func Render(v View) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", v.PrivateKey)
	if len(v.Addresses) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", strings.Join(v.Addresses, ", "))
	}
	if len(v.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(v.DNS, ", "))
	}
	if v.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", v.MTU)
	}
	b.WriteString("\n")
	b.WriteString(RenderPeerSection(v))
	return b.String()
}

// RenderPeerSection — только [Peer]-фрагмент. Его получает устройство при
// self-registration: приватный ключ у него свой, [Interface] сервер не знает.
func RenderPeerSection(v View) string {
	var b strings.Builder
	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", v.ServerPublicKey)
	if v.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", v.PresharedKey)
	}
	fmt.Fprintf(&b, "Endpoint = %s\n", v.Endpoint)
	if len(v.AllowedIPs) > 0 {
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(v.AllowedIPs, ", "))
	}
	if v.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", v.Keepalive)
	}
	return b.String()
}
