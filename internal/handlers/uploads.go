package handlers

import "github.com/gin-gonic/gin"

// RegisterUploadRoutes serves stored attachments from dir without directory
// listings. Mount it on a group that carries the auth middleware.
func RegisterUploadRoutes(group *gin.RouterGroup, dir string) {
	group.StaticFS("/", gin.Dir(dir, false))
}
