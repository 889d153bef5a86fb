package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttler は IP ごとのトークンバケットで POST リクエストを制限します。
type Throttler struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

// NewThrottler は1秒あたり perSecond 件、バースト burst 件の Throttler を作成します。
func NewThrottler(perSecond float64, burst int) *Throttler {
	if burst < 1 {
		burst = 1
	}
	return &Throttler{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow は key のリクエストを許可するかを返します。
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweep(now)

	cl, ok := t.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// sweep はしばらく使われていないクライアントを破棄します。t.mu を保持して呼び出すこと。
func (t *Throttler) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < time.Minute {
		return
	}
	t.lastSweep = now
	for key, cl := range t.clients {
		if now.Sub(cl.lastSeen) > limiterIdleTTL {
			delete(t.clients, key)
		}
	}
}

// Middleware は POST のみを対象に制限を適用し、超過時は 429 を設定します。
func (t *Throttler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		if !t.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.Abort()
			c.Status(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
