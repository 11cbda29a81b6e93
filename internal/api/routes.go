package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json2"

	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/state"
)

// APIHandler wires the node's consensus state into gin/gorilla-rpc
// handlers.
type APIHandler struct {
	state    *state.GlobalState
	wsHub    *Hub
	shutdown context.CancelFunc
}

// SetupRouter builds the gin engine serving the node's read-mostly RPC
// surface plus the gorilla/rpc JSON-RPC service for the wallet's
// state-mutating calls (send, send_to_many, claim_utxo). authToken gates
// every route under /rpc except the websocket stream; an empty token
// disables auth for local development.
func SetupRouter(gs *state.GlobalState, wsHub *Hub, authToken string, shutdown context.CancelFunc) *gin.Engine {
	h := &APIHandler{state: gs, wsHub: wsHub, shutdown: shutdown}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	limiter := NewRateLimiter(120, 30)

	r.GET("/ws", wsHub.Subscribe)
	r.GET("/healthz", h.handleHealth)

	rpcGroup := r.Group("/rpc")
	rpcGroup.Use(limiter.Middleware())
	rpcGroup.Use(AuthMiddleware(authToken))
	{
		rpcGroup.GET("/block_height", h.handleBlockHeight)
		rpcGroup.GET("/block_info/:hash", h.handleBlockInfo)
		rpcGroup.GET("/header/:hash", h.handleHeader)
		rpcGroup.GET("/tip_digest", h.handleTipDigest)
		rpcGroup.GET("/wallet_status", h.handleWalletStatus)
		rpcGroup.GET("/synced_balance", h.handleSyncedBalance)
		rpcGroup.GET("/list_coins", h.handleListCoins)
		rpcGroup.GET("/mempool_tx_count", h.handleMempoolTxCount)
		rpcGroup.GET("/mempool_size", h.handleMempoolSize)
		rpcGroup.POST("/pause_miner", h.handlePauseMiner)
		rpcGroup.POST("/restart_miner", h.handleRestartMiner)
		rpcGroup.POST("/prune_abandoned_monitored_utxos", h.handlePruneAbandoned)
		rpcGroup.POST("/shutdown", h.handleShutdown)
		rpcGroup.POST("/clear_all_standings", h.handleClearAllStandings)
		rpcGroup.POST("/clear_standing_by_ip/:ip", h.handleClearStandingByIP)
	}

	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(NewWalletService(gs), "wallet"); err != nil {
		panic(err)
	}
	walletRPC := r.Group("/rpc/wallet")
	walletRPC.Use(limiter.Middleware())
	walletRPC.Use(AuthMiddleware(authToken))
	walletRPC.POST("", gin.WrapH(rpcServer))

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandler) handleBlockHeight(c *gin.Context) {
	block, ok := h.state.LatestBlock()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"height": -1})
		return
	}
	c.JSON(http.StatusOK, gin.H{"height": block.Header.Height})
}

func (h *APIHandler) handleTipDigest(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tip": h.state.Blocks().Tip().String()})
}

func (h *APIHandler) handleBlockInfo(c *gin.Context) {
	hash, err := digest.FromHex(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid block hash"})
		return
	}
	block, ok, err := h.state.Blocks().BlockByHash(hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, block)
}

func (h *APIHandler) handleHeader(c *gin.Context) {
	hash, err := digest.FromHex(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid block hash"})
		return
	}
	block, ok, err := h.state.Blocks().BlockByHash(hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, block.Header)
}

func (h *APIHandler) handleWalletStatus(c *gin.Context) {
	utxos := h.state.Wallet().UTXOs()
	unspent, spent, abandoned := 0, 0, 0
	for _, mu := range utxos {
		switch {
		case mu.AbandonedAt != nil:
			abandoned++
		case mu.SpentInBlock != nil:
			spent++
		default:
			unspent++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"syncLabel":      h.state.Wallet().SyncLabel().String(),
		"unspentCount":   unspent,
		"spentCount":     spent,
		"abandonedCount": abandoned,
	})
}

func (h *APIHandler) handleSyncedBalance(c *gin.Context) {
	var total int64
	for _, mu := range h.state.Wallet().UTXOs() {
		if mu.IsSpentOrAbandoned() {
			continue
		}
		total += int64(mu.UTXO.Amount)
	}
	c.JSON(http.StatusOK, gin.H{"balance": total})
}

func (h *APIHandler) handleListCoins(c *gin.Context) {
	c.JSON(http.StatusOK, h.state.Wallet().UTXOs())
}

func (h *APIHandler) handleMempoolTxCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.state.Mempool().Size()})
}

func (h *APIHandler) handleMempoolSize(c *gin.Context) {
	var bytes int
	for _, tx := range h.state.Mempool().Txs() {
		blob, err := json.Marshal(tx)
		if err != nil {
			continue
		}
		bytes += len(blob)
	}
	c.JSON(http.StatusOK, gin.H{"bytes": bytes})
}

func (h *APIHandler) handlePauseMiner(c *gin.Context) {
	h.state.Mining().PauseByRPC()
	c.JSON(http.StatusOK, gin.H{"state": h.state.Mining().State().String()})
}

func (h *APIHandler) handleRestartMiner(c *gin.Context) {
	h.state.Mining().UnpauseByRPC()
	c.JSON(http.StatusOK, gin.H{"state": h.state.Mining().State().String()})
}

func (h *APIHandler) handlePruneAbandoned(c *gin.Context) {
	height := int64(0)
	if block, ok := h.state.LatestBlock(); ok {
		height = block.Header.Height
	}
	pruned := h.state.Wallet().PruneAbandoned(height)
	if err := h.state.Wallet().Persist(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": pruned})
}

func (h *APIHandler) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})
	if h.shutdown != nil {
		h.shutdown()
	}
}

func (h *APIHandler) handleClearAllStandings(c *gin.Context) {
	h.state.Blocks().ClearAllPeerStandings()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (h *APIHandler) handleClearStandingByIP(c *gin.Context) {
	ip := c.Param("ip")
	h.state.Blocks().ClearPeerStanding(ip)
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "ip": ip})
}
