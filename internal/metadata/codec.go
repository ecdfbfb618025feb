package metadata

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"strings"
	"sync"
	"time"
)

const (
	maxReplyBytes = 64 << 10
	sendMethod    = "Consumer.Frame"
)

// Reply is the consumer's acknowledgement. Its content is not interpreted.
type Reply struct {
	Raw string
}

// lineCodec is an rpc.ClientCodec speaking newline-delimited JSON requests
// and single line replies. It supports exactly one outstanding request.
type lineCodec struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	mu          sync.Mutex
	seq         uint64
	method      string
	outstanding bool
	reply       string

	closeOnce    sync.Once
	onDisconnect func(error)
}

func newLineCodec(conn net.Conn, writeTimeout time.Duration, onDisconnect func(error)) *lineCodec {
	return &lineCodec{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 4096),
		writeTimeout: writeTimeout,
		onDisconnect: onDisconnect,
	}
}

func (c *lineCodec) WriteRequest(req *rpc.Request, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	if c.outstanding {
		c.mu.Unlock()
		return fmt.Errorf("%w: request %d still awaiting reply", ErrProtocol, c.seq)
	}
	c.seq = req.Seq
	c.method = req.ServiceMethod
	c.outstanding = true
	c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		c.mu.Lock()
		c.outstanding = false
		c.mu.Unlock()
		return fmt.Errorf("%w: write request: %w", ErrTransfer, err)
	}
	return nil
}

func (c *lineCodec) ReadResponseHeader(resp *rpc.Response) error {
	line, err := c.readLine()
	if err != nil {
		c.disconnected(err)
		return err
	}

	c.mu.Lock()
	if !c.outstanding {
		c.mu.Unlock()
		err := fmt.Errorf("%w: unsolicited reply", ErrProtocol)
		c.disconnected(err)
		return err
	}
	defer c.mu.Unlock()
	c.outstanding = false
	resp.Seq = c.seq
	resp.ServiceMethod = c.method
	if line == "" {
		resp.Error = "empty reply"
		return nil
	}
	c.reply = line
	return nil
}

func (c *lineCodec) ReadResponseBody(body any) error {
	c.mu.Lock()
	line := c.reply
	c.reply = ""
	c.mu.Unlock()
	if body == nil {
		return nil
	}
	reply, ok := body.(*Reply)
	if !ok {
		return fmt.Errorf("unexpected reply type %T", body)
	}
	reply.Raw = line
	return nil
}

func (c *lineCodec) Close() error {
	return c.conn.Close()
}

func (c *lineCodec) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if sb.Len()+len(chunk) > maxReplyBytes {
			return "", fmt.Errorf("%w: reply exceeds %d bytes", ErrProtocol, maxReplyBytes)
		}
		sb.Write(chunk)
		if !isPrefix {
			return strings.TrimSpace(sb.String()), nil
		}
	}
}

func (c *lineCodec) disconnected(err error) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	})
}
