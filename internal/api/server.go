package api

import (
	"encoding/hex"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"github.com/ewancrowle/crimp/internal/config"
	"github.com/ewancrowle/crimp/internal/session"
	"github.com/ewancrowle/crimp/internal/sync"
)

type Server struct {
	app    *fiber.App
	cfg    *config.Config
	engine *session.Engine
	sync   *sync.RuleSync
}

func NewServer(cfg *config.Config, engine *session.Engine, ruleSync *sync.RuleSync) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	if cfg.API.LogRequests {
		app.Use(logger.New())
	}

	s := &Server{
		app:    app,
		cfg:    cfg,
		engine: engine,
		sync:   ruleSync,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/stats", s.handleStats)
	s.app.Get("/rules", s.handleRules)
	s.app.Post("/rules/dynamic", s.handleInstallPair)
}

func (s *Server) Start() error {
	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.API.Port))
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.engine.Stats().Snapshot())
}

func (s *Server) handleRules(c *fiber.Ctx) error {
	set := s.engine.Rules()

	type ruleInfo struct {
		ID       uint32 `json:"id"`
		IDLength int    `json:"id_length"`
		Comment  string `json:"comment,omitempty"`
		Dynamic  bool   `json:"dynamic"`
		Fields   int    `json:"fields"`
	}
	out := make([]ruleInfo, 0, len(set.Rules))
	for i := range set.Rules {
		r := &set.Rules[i]
		out = append(out, ruleInfo{
			ID:       r.ID,
			IDLength: r.IDBits,
			Comment:  r.Comment,
			Dynamic:  r.Dynamic,
			Fields:   len(r.Fields),
		})
	}
	return c.JSON(fiber.Map{
		"generation": s.engine.Generation(),
		"rules":      out,
	})
}

func (s *Server) handleInstallPair(c *fiber.Ctx) error {
	type pairRequest struct {
		DCID string `json:"dcid"`
		SCID string `json:"scid"`
	}
	var req pairRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request body"})
	}

	dcid, err := hex.DecodeString(req.DCID)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid DCID hex"})
	}
	scid, err := hex.DecodeString(req.SCID)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid SCID hex"})
	}

	if err := s.engine.InstallPair(dcid, scid); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	// Publish to Redis so peers learn the pair too
	if s.sync != nil {
		if err := s.sync.PublishPair(c.Context(), dcid, scid); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "Failed to announce pair"})
		}
	}

	return c.JSON(fiber.Map{"status": "ok", "generation": s.engine.Generation()})
}
