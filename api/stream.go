package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a websocket connection to the hub transport. Writes
// carry a deadline so a stalled peer cannot pin the drain loop.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// streamCanvas upgrades the connection and attaches it as an observer
// session of the requested board. The first frame is always the snapshot;
// patches follow in revision order.
func streamCanvas(boards Boards, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		board := c.QueryParam("board")
		if board == "" {
			return c.String(http.StatusBadRequest, "missing board parameter")
		}
		st, err := boards.Board(c.Request().Context(), board)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade has already written the error response.
			return nil
		}

		sess, err := st.Attach(&wsTransport{conn: conn})
		if err != nil {
			logger.WithFields(log.Fields{"board": board, "error": err}).Error("session attach failed")
			_ = conn.Close()
			return nil
		}
		logger.WithFields(log.Fields{"board": board, "session": sess.ID()}).Info("observer attached")

		// The stream is one-way; reads only surface the peer closing.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					sess.Close()
					return
				}
			}
		}()

		<-sess.Done()
		logger.WithFields(log.Fields{"board": board, "session": sess.ID(), "sent": sess.Sent()}).Info("observer detached")
		return nil
	}
}
