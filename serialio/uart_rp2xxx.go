//go:build rp2040 || rp2350

package serialio

import (
	"context"
	"machine"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
)

// OpenUART configures hw and pumps it into a Port. Zero baud keeps the
// uartx default.
func OpenUART(ctx context.Context, hw *uartx.UART, baud uint32, tx, rx machine.Pin) (*Port, error) {
	if err := hw.Configure(uartx.UARTConfig{BaudRate: baud, TX: tx, RX: rx}); err != nil {
		return nil, err
	}
	return Open(ctx, hw, 0), nil
}
