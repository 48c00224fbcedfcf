package x402gate

import "net/http"

// Middleware adapts the engine to a plain net/http handler chain, which
// also covers chi and other stdlib-compatible routers. Framework-specific
// adapters live under pkg/.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := e.Process(r.Context(), Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			ClientIP:      clientIP(r),
			PaymentHeader: r.Header.Get(HeaderPayment),
		})

		for k, v := range decision.Headers {
			w.Header().Set(k, v)
		}
		if decision.Outcome == OutcomeAdmitted {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(decision.Status)
		if len(decision.Body) > 0 {
			w.Write(decision.Body)
		}
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
