// Package api 提供租户侧的 HTTP 管理接口：
// 上传 cookie 登录、配置读写、商品查询、图片上传与指标暴露。
package api

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Driftcell/goofish-v2/internal/api/middleware"
	"github.com/Driftcell/goofish-v2/internal/config"
	"github.com/Driftcell/goofish-v2/internal/model"
	"github.com/Driftcell/goofish-v2/internal/objstore"
	"github.com/Driftcell/goofish-v2/internal/pkg/cookies"
	"github.com/Driftcell/goofish-v2/internal/reconcile"
	"github.com/Driftcell/goofish-v2/internal/store"
)

// Reconciler 把租户配置变化落实为调度任务。
type Reconciler interface {
	Reconcile(ctx context.Context, token string) (reconcile.Action, error)
}

// LoginChecker 校验平台 cookie 的登录态，nil 时跳过校验。
type LoginChecker interface {
	CheckLogin(ctx context.Context, platform, cookiesJSON string) (bool, error)
}

// Server 封装 HTTP 管理接口的依赖与路由。
type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *store.Store
	rdb        *redis.Client
	storage    objstore.Storage
	reconciler Reconciler
	checker    LoginChecker
	router     *gin.Engine
}

// NewServer 组装路由。
func NewServer(
	cfg *config.Config,
	log *slog.Logger,
	st *store.Store,
	rdb *redis.Client,
	storage objstore.Storage,
	reconciler Reconciler,
	checker LoginChecker,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      st,
		rdb:        rdb,
		storage:    storage,
		reconciler: reconciler,
		checker:    checker,
		router:     r,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.log.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/login", s.handleLogin)

	authed := s.router.Group("/")
	authed.Use(middleware.Auth(s.cfg.App.JWTSecret, s.tokenExists))
	authed.GET("/config/:name", s.handleGetConfig)
	authed.POST("/config", s.handleSetConfig)
	authed.GET("/configt", s.handleGetConfigT)
	authed.POST("/configt", s.handleSetConfigT)
	authed.GET("/items", s.handleListItems)
	authed.POST("/upload", s.handleUpload)
	authed.GET("/images/:name", s.handleGetImage)
	authed.POST("/reconcile", s.handleReconcile)
}

func (s *Server) tokenExists(ctx context.Context, token string) (bool, error) {
	_, err := s.store.GetTenant(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	var one int
	if err := s.store.DB().WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleLogin 接收两份 cookie 导出文件，令牌为两份文件内容的 md5。
//
// POST /login (multipart: goofish, ctrip)
func (s *Server) handleLogin(c *gin.Context) {
	goofishBytes, err := readFormFile(c, "goofish")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 1, "message": "goofish cookie file required"})
		return
	}
	ctripBytes, err := readFormFile(c, "ctrip")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 1, "message": "ctrip cookie file required"})
		return
	}

	sum := md5.Sum(append(goofishBytes, ctripBytes...))
	token := hex.EncodeToString(sum[:])

	goofishCookies, err := extractCookies(goofishBytes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 1, "message": "invalid goofish cookie file"})
		return
	}
	ctripCookies, err := extractCookies(ctripBytes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 1, "message": "invalid ctrip cookie file"})
		return
	}

	ctx := c.Request.Context()
	if s.checker != nil {
		if ok, err := s.checker.CheckLogin(ctx, "goofish", goofishCookies); err != nil || !ok {
			s.log.Warn("goofish login check failed", "err", err)
			c.JSON(http.StatusUnauthorized, gin.H{"code": 1, "message": "Goofish login failed"})
			return
		}
		if ok, err := s.checker.CheckLogin(ctx, "ctrip", ctripCookies); err != nil || !ok {
			s.log.Warn("ctrip login check failed", "err", err)
			c.JSON(http.StatusUnauthorized, gin.H{"code": 1, "message": "Ctrip login failed"})
			return
		}
	}

	if err := s.store.UpsertTenant(ctx, token, goofishCookies, ctripCookies); err != nil {
		s.log.Error("upsert tenant failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": 1, "message": "persist tenant failed"})
		return
	}

	if s.reconciler != nil {
		if action, err := s.reconciler.Reconcile(ctx, token); err != nil {
			s.log.Warn("reconcile after login failed", "tenant", token, "err", err)
		} else {
			s.log.Info("reconciled after login", "tenant", token, "action", action)
		}
	}

	session, err := s.signSession(token)
	if err != nil {
		s.log.Error("sign session failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": 1, "message": "sign session failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "Login successful",
		"data":    gin.H{"token": token, "session": session},
	})
}

func (s *Server) signSession(token string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   token,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(7 * 24 * time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.App.JWTSecret))
}

func readFormFile(c *gin.Context, field string) ([]byte, error) {
	header, err := c.FormFile(field)
	if err != nil {
		return nil, err
	}
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// extractCookies 归一化 cookie 导出文件：
// 支持裸数组与 {"cookies": [...]} 两种格式，返回数组 JSON。
func extractCookies(data []byte) (string, error) {
	var wrapper struct {
		Cookies json.RawMessage `json:"cookies"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Cookies) > 0 {
		data = wrapper.Cookies
	}
	if _, err := cookies.Parse(string(data)); err != nil {
		return "", err
	}
	return string(data), nil
}

// handleGetConfig 读取配置项；预置键不存在时写入默认值后返回。
//
// GET /config/:name
func (s *Server) handleGetConfig(c *gin.Context) {
	token := middleware.TenantToken(c)
	name := c.Param("name")
	ctx := c.Request.Context()

	value, err := s.store.GetConfig(ctx, token, name)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"code": 0, "message": "ok", "data": value})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.log.Error("get config failed", "name", name, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get config failed"})
		return
	}

	preset := store.DefaultConfigValue(name)
	if preset == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found such key: " + name})
		return
	}
	if err := s.store.SetConfig(ctx, token, name, preset); err != nil {
		s.log.Error("seed config failed", "name", name, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "seed config failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "ok", "data": preset})
}

type configRequest struct {
	Name  string          `json:"name" binding:"required"`
	Value json.RawMessage `json:"value" binding:"required"`
}

// handleSetConfig 写入配置项并立即重新对账调度。
//
// POST /config
func (s *Server) handleSetConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token := middleware.TenantToken(c)
	if err := s.store.SetConfig(c.Request.Context(), token, req.Name, req.Value); err != nil {
		s.log.Error("set config failed", "name", req.Name, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "set config failed"})
		return
	}
	s.reconcileAfterChange(c.Request.Context(), token)
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "Updated"})
}

// configT 类型化配置体，与存储层的 configt 键对应。
type configTRequest struct {
	TimeDelta  string `json:"time_delta"`
	ItemLimits string `json:"item_limits"`
	Price      struct {
		Mode  string `json:"mode"`
		Value string `json:"value"`
	} `json:"price"`
	ItemType string `json:"item_type"`
}

// handleGetConfigT 读取类型化配置，不存在时落默认值。
//
// GET /configt
func (s *Server) handleGetConfigT(c *gin.Context) {
	token := middleware.TenantToken(c)
	ctx := c.Request.Context()

	value, err := s.store.GetConfig(ctx, token, "configt")
	if errors.Is(err, store.ErrNotFound) {
		value = store.DefaultConfigValue("configt")
		if err := s.store.SetConfig(ctx, token, "configt", value); err != nil {
			s.log.Error("seed configt failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "seed configt failed"})
			return
		}
	} else if err != nil {
		s.log.Error("get configt failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get configt failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "ok", "data": value})
}

// handleSetConfigT 写入类型化配置并重新对账。
//
// POST /configt
func (s *Server) handleSetConfigT(c *gin.Context) {
	var req configTRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configt"})
		return
	}
	token := middleware.TenantToken(c)
	if err := s.store.SetConfig(c.Request.Context(), token, "configt", value); err != nil {
		s.log.Error("set configt failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "set configt failed"})
		return
	}
	s.reconcileAfterChange(c.Request.Context(), token)
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "ok"})
}

func (s *Server) reconcileAfterChange(ctx context.Context, token string) {
	if s.reconciler == nil {
		return
	}
	if action, err := s.reconciler.Reconcile(ctx, token); err != nil {
		s.log.Warn("reconcile after config change failed", "tenant", token, "err", err)
	} else {
		s.log.Info("reconciled after config change", "tenant", token, "action", action)
	}
}

// handleReconcile 手动触发一次对账。
//
// POST /reconcile
func (s *Server) handleReconcile(c *gin.Context) {
	token := middleware.TenantToken(c)
	if s.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler unavailable"})
		return
	}
	action, err := s.reconciler.Reconcile(c.Request.Context(), token)
	if err != nil {
		s.log.Error("reconcile failed", "tenant", token, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "ok", "data": gin.H{"action": action}})
}

// itemResponse 商品列表接口返回的单项。
type itemResponse struct {
	ProductID         string           `json:"productId"`
	OriginalProductID []string         `json:"originalProductId"`
	Title             string           `json:"title"`
	SubName           string           `json:"subName"`
	Price             float64          `json:"price"`
	ImgList           []string         `json:"imgList"`
	ShortURLs         []model.ShortURL `json:"shortUrls"`
	CopywriterInfo    string           `json:"copywriterInfo"`
	EndSaleTimeDesc   string           `json:"endSaleTimeDesc"`
	ListingID         string           `json:"listingId,omitempty"`
}

// handleListItems 分页返回合并商品。
//
// GET /items?page=1&page_size=20
func (s *Server) handleListItems(c *gin.Context) {
	token := middleware.TenantToken(c)
	page := parseQueryInt(c, "page", 1)
	pageSize := parseQueryInt(c, "page_size", 20)
	if pageSize > 100 {
		pageSize = 100
	}

	items, err := s.store.PageMergedItems(c.Request.Context(), token, page, pageSize)
	if err != nil {
		s.log.Error("list items failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list items failed"})
		return
	}

	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, itemResponse{
			ProductID:         item.ProductID,
			OriginalProductID: model.DecodeList(item.OriginalIDs),
			Title:             item.Title,
			SubName:           item.SubName,
			Price:             item.Price,
			ImgList:           model.DecodeList(item.Images),
			ShortURLs:         model.DecodeShortURLs(item.ShortURLs),
			CopywriterInfo:    item.Copywriter,
			EndSaleTimeDesc:   item.EndSaleDate,
			ListingID:         item.ListingID,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleUpload 保存上传文件到对象存储，文件名为内容 md5。
//
// POST /upload (multipart: file)
func (s *Server) handleUpload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(header.Filename), "."))
	if ext == "" {
		ext = "png"
	}
	sum := md5.Sum(data)
	name := hex.EncodeToString(sum[:]) + "." + ext

	if err := s.storage.Put(c.Request.Context(), name, data, contentTypeFor(ext)); err != nil {
		s.log.Error("store upload failed", "name", name, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store file failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    gin.H{"bucket_name": s.cfg.Minio.Bucket, "object_name": name},
	})
}

// handleGetImage 回源读取对象存储中的图片。
//
// GET /images/:name
func (s *Server) handleGetImage(c *gin.Context) {
	name := c.Param("name")
	data, err := s.storage.Get(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	c.Data(http.StatusOK, contentTypeFor(ext), data)
}

func contentTypeFor(ext string) string {
	if ext == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// parseQueryInt 解析查询参数中的整数值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil || iv < 1 {
		return def
	}
	return iv
}
