// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - POST /api/classify submits one link and waits for its classification.
//   - GET/POST /webhook is the WhatsApp Cloud API callback.
//   - GET /, /share, /manifest.json and /icon serve the installable web app.
//   - GET /health, /healthz, /readyz and /metrics are operational probes.
package api
