package ipam

import (
	"bytes"
	"fmt"
	"net"
	"strings"

	"wgfleet/internal/apperr"
)

// Пул адресов одной серверной сети. Сет занятых адресов собирается заново
// внутри транзакции, которая вставляет пира — между вызовами не кэшируется.
type Pool struct {
	network *net.IPNet
	v4      bool
	taken   map[string]bool
}

// Верхняя граница сканирования для IPv6: пул шире /108 исчерпать нереально,
// а ограничение держит проход по возрастанию конечным.
const maxScan = 1 << 20

// NewPool разбирает CIDR сети и регистрирует уже занятые адреса
// (включая адрес интерфейса самого сервера — он зарезервирован неявно).
func NewPool(cidr string, allocated []string) (*Pool, error) {
	ip, ipnet, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return nil, apperr.Validationf("bad network CIDR %q", cidr)
	}
	p := &Pool{
		network: ipnet,
		v4:      ip.To4() != nil,
		taken:   make(map[string]bool, len(allocated)+1),
	}
	// Адрес из CIDR сервера (10.0.0.1/24 → 10.0.0.1) занят всегда.
	p.mark(ip)
	for _, a := range allocated {
		if pip := parseHost(a); pip != nil {
			p.mark(pip)
		}
	}
	return p, nil
}

// Allocate возвращает свободный адрес с host-префиксом (/32 либо /128).
// При requested != "" адрес проверяется; иначе — первый свободный
// при обходе хостов по возрастанию (детерминированно, удобно для тестов).
func (p *Pool) Allocate(requested string) (string, error) {
	if strings.TrimSpace(requested) != "" {
		return p.claim(requested)
	}

	first, last := p.hostRange()
	ip := first
	for n := 0; n < maxScan; n++ {
		if last != nil && bytes.Compare(ip, last) > 0 {
			break
		}
		if !p.network.Contains(ip) {
			break
		}
		if !p.taken[ip.String()] {
			p.mark(ip)
			return p.withHostPrefix(ip), nil
		}
		ip = next(ip)
	}
	return "", fmt.Errorf("%w: no free host in %s", apperr.ErrAddressExhausted, p.network)
}

// claim — валидация конкретного запрошенного адреса.
func (p *Pool) claim(requested string) (string, error) {
	ip := parseHost(requested)
	if ip == nil {
		return "", apperr.Validationf("bad address %q", requested)
	}
	if (ip.To4() != nil) != p.v4 {
		return "", apperr.Validationf("address %s does not match family of network %s", ip, p.network)
	}
	if !p.network.Contains(ip) {
		return "", apperr.Validationf("address %s is outside network %s", ip, p.network)
	}
	if p.v4 {
		f, l := p.hostRange()
		if bytes.Compare(ip.To4(), f) < 0 || (l != nil && bytes.Compare(ip.To4(), l) > 0) {
			return "", apperr.Validationf("address %s is reserved in %s", ip, p.network)
		}
	} else if ip.Equal(canon(p.network.IP.Mask(p.network.Mask))) {
		return "", apperr.Validationf("address %s is reserved in %s", ip, p.network)
	}
	if p.taken[ip.String()] {
		return "", fmt.Errorf("%w: %s is already in use", apperr.ErrAddressConflict, ip)
	}
	p.mark(ip)
	return p.withHostPrefix(ip), nil
}

func (p *Pool) mark(ip net.IP) { p.taken[ip.String()] = true }

// hostRange — usable-диапазон: нулевой адрес сети исключается, верхняя
// граница — последний адрес сети. Для /31 и /32 usable всё (RFC 3021).
func (p *Pool) hostRange() (first, last net.IP) {
	base := p.network.IP.Mask(p.network.Mask)
	ones, bits := p.network.Mask.Size()

	first = next(canon(base))
	if !p.v4 {
		return first, nil // верхнюю границу держит Contains + maxScan
	}
	if ones >= bits-1 { // /31, /32
		return canon(base), nil
	}
	bcast := make(net.IP, len(first))
	copy(bcast, base.To4())
	for i := range bcast {
		bcast[i] |= ^p.network.Mask[i]
	}
	return first, bcast
}

// withHostPrefix — явный host-префикс, отделяющий адрес от маршрута сети.
func (p *Pool) withHostPrefix(ip net.IP) string {
	if p.v4 {
		return ip.String() + "/32"
	}
	return ip.String() + "/128"
}

// parseHost принимает и «голый» IP, и CIDR-форму ("10.0.0.2/32").
func parseHost(s string) net.IP {
	s = strings.TrimSpace(s)
	if ip, _, err := net.ParseCIDR(s); err == nil {
		return canon(ip)
	}
	if ip := net.ParseIP(s); ip != nil {
		return canon(ip)
	}
	return nil
}

func canon(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

func next(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}
