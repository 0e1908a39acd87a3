package api

import (
	"net/http"
	"strings"

	"broker-bridge/internal/execution"
	"broker-bridge/internal/registry"

	"github.com/gin-gonic/gin"
)

// listVenues lists available venues. ?all=true adds planned ones and
// ?compare=a,b returns a comparison instead.
func (s *Server) listVenues(c *gin.Context) {
	if raw := c.Query("compare"); raw != "" {
		var keys []string
		for _, k := range strings.Split(raw, ",") {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				keys = append(keys, k)
			}
		}
		cmp, err := s.catalog.CompareVenues(keys...)
		if err != nil {
			s.respondProblem(c, err)
			return
		}
		c.JSON(http.StatusOK, cmp)
		return
	}
	c.JSON(http.StatusOK, gin.H{"venues": s.catalog.ListVenues(parseBool(c.Query("all")))})
}

func (s *Server) getVenue(c *gin.Context) {
	info, err := s.catalog.GetVenueInfo(strings.ToLower(c.Param("venue")))
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) recommendVenue(c *gin.Context) {
	var q registry.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		respondError(c, http.StatusBadRequest, execution.CodeValidation, "invalid request payload")
		return
	}
	rec, err := s.catalog.RecommendVenue(q)
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
