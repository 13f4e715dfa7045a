// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package updateserver

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/catalog"
)

type createAppRequest struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name"`
}

type channelNameRequest struct {
	Name string `json:"name" binding:"required"`
}

type setActiveReleaseRequest struct {
	// ReleaseID is the release to activate. Empty clears the channel.
	ReleaseID string `json:"releaseId"`
}

// adminHandlers serves the channel and release admin API.
type adminHandlers struct {
	store  *catalog.Store
	logger *slog.Logger
}

func (h *adminHandlers) fail(c *gin.Context, err error) {
	writeCatalogError(c, h.logger, err)
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, err.Error())
		return false
	}
	return true
}

// =============================================================================
// Apps
// =============================================================================

func (h *adminHandlers) createApp(c *gin.Context) {
	var req createAppRequest
	if !bindJSON(c, &req) {
		return
	}
	app, channels, err := h.store.CreateApp(c.Request.Context(), catalog.App{ID: req.ID, Name: req.Name})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"app": app, "channels": channels})
}

func (h *adminHandlers) listApps(c *gin.Context) {
	apps, err := h.store.ListApps(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"apps": apps})
}

// =============================================================================
// Channels
// =============================================================================

func (h *adminHandlers) listChannels(c *gin.Context) {
	channels, err := h.store.ListChannels(c.Request.Context(), c.Param("appId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (h *adminHandlers) createChannel(c *gin.Context) {
	var req channelNameRequest
	if !bindJSON(c, &req) {
		return
	}
	ch, err := h.store.CreateChannel(c.Request.Context(), c.Param("appId"), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

func (h *adminHandlers) getChannel(c *gin.Context) {
	ch, err := h.store.GetChannel(c.Request.Context(), c.Param("appId"), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h *adminHandlers) renameChannel(c *gin.Context) {
	var req channelNameRequest
	if !bindJSON(c, &req) {
		return
	}
	ch, err := h.store.RenameChannel(c.Request.Context(), c.Param("appId"), c.Param("name"), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h *adminHandlers) deleteChannel(c *gin.Context) {
	if err := h.store.DeleteChannel(c.Request.Context(), c.Param("appId"), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *adminHandlers) setActiveRelease(c *gin.Context) {
	var req setActiveReleaseRequest
	if !bindJSON(c, &req) {
		return
	}
	ch, err := h.store.SetActiveRelease(c.Request.Context(), c.Param("appId"), c.Param("name"), req.ReleaseID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// =============================================================================
// Releases
// =============================================================================

func (h *adminHandlers) listReleases(c *gin.Context) {
	ctx := c.Request.Context()
	appID := c.Param("appId")
	releases, err := h.store.ListReleases(ctx, appID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if name := c.Query("channel"); name != "" {
		ch, err := h.store.GetChannel(ctx, appID, name)
		if err != nil {
			h.fail(c, err)
			return
		}
		filtered := make([]catalog.Release, 0, len(releases))
		for _, r := range releases {
			if r.ChannelID == ch.ID {
				filtered = append(filtered, r)
			}
		}
		releases = filtered
	}
	c.JSON(http.StatusOK, gin.H{"releases": releases})
}

func (h *adminHandlers) createRelease(c *gin.Context) {
	var in catalog.ReleaseInput
	if !bindJSON(c, &in) {
		return
	}
	in.AppID = c.Param("appId")
	rel, err := h.store.CreateRelease(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rel)
}

func (h *adminHandlers) getRelease(c *gin.Context) {
	rel, err := h.store.GetRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (h *adminHandlers) updateRelease(c *gin.Context) {
	var patch catalog.ReleasePatch
	if !bindJSON(c, &patch) {
		return
	}
	rel, err := h.store.UpdateRelease(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (h *adminHandlers) deleteRelease(c *gin.Context) {
	if err := h.store.DeleteRelease(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
