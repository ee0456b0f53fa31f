package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var errSessionClosed = errors.New("flat session closed")

// flatMux 在一条浏览器 websocket 上按 sessionId 复用多个 rpcc.Conn（flatten 模式）。
// 浏览器连接只看到不带 sessionId 的消息，其余按 sessionId 转发给对应会话。
type flatMux struct {
	wmu sync.Mutex
	w   io.Writer
	dec *json.Decoder

	mu       sync.Mutex
	sessions map[target.SessionID]*flatSession
	closed   bool
}

func newFlatMux() *flatMux {
	return &flatMux{sessions: make(map[target.SessionID]*flatSession)}
}

// codec 作为浏览器连接的 rpcc.WithCodec 参数
func (x *flatMux) codec(conn io.ReadWriter) rpcc.Codec {
	x.w = conn
	x.dec = json.NewDecoder(conn)
	return (*browserCodec)(x)
}

func (x *flatMux) write(data []byte) error {
	x.wmu.Lock()
	defer x.wmu.Unlock()
	_, err := x.w.Write(data)
	return err
}

// route 把带 sessionId 的消息交给会话，未知会话的消息直接丢弃
func (x *flatMux) route(id target.SessionID, msg []byte) {
	x.mu.Lock()
	s := x.sessions[id]
	x.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.recvC <- msg:
	case <-s.done:
	}
}

// open 为 sessionId 建立独立的 rpcc.Conn，关闭连接时调用 detach
func (x *flatMux) open(ctx context.Context, id target.SessionID, detach func() error) (*rpcc.Conn, error) {
	s := &flatSession{
		id:    id,
		mux:   x,
		recvC: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, errSessionClosed
	}
	x.sessions[id] = s
	x.mu.Unlock()

	closer := &sessionCloser{close: func() error {
		x.remove(id)
		return detach()
	}}
	conn, err := rpcc.DialContext(ctx, "",
		rpcc.WithDialer(func(context.Context, string) (io.ReadWriteCloser, error) { return closer, nil }),
		rpcc.WithCodec(func(io.ReadWriter) rpcc.Codec { return s }),
	)
	if err != nil {
		x.remove(id)
		return nil, err
	}
	return conn, nil
}

func (x *flatMux) remove(id target.SessionID) {
	x.mu.Lock()
	s := x.sessions[id]
	delete(x.sessions, id)
	x.mu.Unlock()
	if s != nil {
		s.shutdown()
	}
}

// closeAll 浏览器连接断开后结束所有会话
func (x *flatMux) closeAll() {
	x.mu.Lock()
	x.closed = true
	sessions := x.sessions
	x.sessions = make(map[target.SessionID]*flatSession)
	x.mu.Unlock()
	for _, s := range sessions {
		s.shutdown()
	}
}

// browserCodec 浏览器连接自身的编解码
type browserCodec flatMux

func (c *browserCodec) WriteRequest(r *rpcc.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return (*flatMux)(c).write(data)
}

func (c *browserCodec) ReadResponse(r *rpcc.Response) error {
	x := (*flatMux)(c)
	for {
		var raw json.RawMessage
		if err := x.dec.Decode(&raw); err != nil {
			x.closeAll()
			return err
		}
		sid := gjson.GetBytes(raw, "sessionId")
		if !sid.Exists() || sid.String() == "" {
			return json.Unmarshal(raw, r)
		}
		x.route(target.SessionID(sid.String()), raw)
	}
}

// flatSession 单个 flatten 会话，实现 rpcc.Codec
type flatSession struct {
	id    target.SessionID
	mux   *flatMux
	recvC chan []byte
	done  chan struct{}
	once  sync.Once
}

var _ rpcc.Codec = (*flatSession)(nil)

func (s *flatSession) WriteRequest(r *rpcc.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	data, err = sjson.SetBytes(data, "sessionId", string(s.id))
	if err != nil {
		return err
	}
	return s.mux.write(data)
}

func (s *flatSession) ReadResponse(r *rpcc.Response) error {
	select {
	case msg := <-s.recvC:
		return json.Unmarshal(msg, r)
	case <-s.done:
		return io.EOF
	}
}

func (s *flatSession) shutdown() {
	s.once.Do(func() { close(s.done) })
}

// sessionCloser 会话连接没有自己的传输层，只负责在关闭时分离会话
type sessionCloser struct {
	once  sync.Once
	close func() error
	err   error
}

func (c *sessionCloser) Read([]byte) (int, error)  { return 0, io.EOF }
func (c *sessionCloser) Write([]byte) (int, error) { return 0, errSessionClosed }

func (c *sessionCloser) Close() error {
	c.once.Do(func() { c.err = c.close() })
	return c.err
}
