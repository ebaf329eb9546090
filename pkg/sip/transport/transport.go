// Package transport определяет абстракцию транспортного слоя для SIP ядра.
//
// Ядро сигнализации не владеет сокетами: оно потребляет Transport как
// внешний коллаборатор. Реализации (UDP/TCP/TLS/WS) живут вне этого модуля;
// для тестов используется mockTransport.
package transport

import (
	"net"

	"github.com/emiago/sipgo/sip"
)

// MessageHandler обработчик входящего сообщения от транспортного слоя.
// src - адрес источника в формате host:port.
type MessageHandler func(msg sip.Message, src string)

// Transport интерфейс отправки/приема SIP сообщений.
// Все методы должны быть безопасны для конкурентного вызова:
// транспорт разделяется всеми транзакциями одновременно.
type Transport interface {
	// LocalAddr возвращает локальный адрес транспорта (host:port)
	LocalAddr() string

	// Send отправляет сообщение на указанный адрес (host:port)
	Send(msg sip.Message, addr string) error

	// OnMessage регистрирует обработчик входящих сообщений
	OnMessage(handler MessageHandler)

	// IsReliable возвращает true для надежного транспорта (TCP/TLS)
	IsReliable() bool

	// Close закрывает транспорт
	Close() error

	// IsClosed проверяет, закрыт ли транспорт
	IsClosed() bool
}

// ResolveAddr разбирает адрес host:port, подставляя SIP порт по умолчанию
func ResolveAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// Адрес без порта - добавляем порт по умолчанию
		return net.JoinHostPort(addr, "5060"), nil
	}
	if port == "" {
		port = "5060"
	}
	return net.JoinHostPort(host, port), nil
}
