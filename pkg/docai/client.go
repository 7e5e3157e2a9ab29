// Package docai 提供了与文档解析服务交互的客户端。
// 该服务承担三种能力：将单页 PDF 渲染为位图、对位图做 OCR、从位图中识别表格网格。
package docai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"traible-go/internal/config"
)

// Client 是文档解析服务的客户端。
type Client struct {
	serverURL string
	client    *http.Client
}

// NewClient 创建一个新的文档解析客户端实例。
func NewClient(cfg config.DocAIConfig) *Client {
	return &Client{
		serverURL: cfg.ServerURL,
		client:    &http.Client{},
	}
}

// RenderPage 将单页 PDF 渲染为 PNG 位图。
func (c *Client) RenderPage(pagePDF []byte) ([]byte, error) {
	req, err := http.NewRequest("PUT", c.serverURL+"/render", bytes.NewReader(pagePDF))
	if err != nil {
		return nil, fmt.Errorf("创建渲染请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Accept", "image/png")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用页面渲染失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("页面渲染返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

// ExtractText 对页面位图做 OCR，返回识别出的文本。
func (c *Client) ExtractText(imagePNG []byte) (string, error) {
	req, err := http.NewRequest("PUT", c.serverURL+"/ocr", bytes.NewReader(imagePNG))
	if err != nil {
		return "", fmt.Errorf("创建 OCR 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用 OCR 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("OCR 返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return "", fmt.Errorf("读取 OCR 响应失败: %w", err)
	}

	return buf.String(), nil
}

// tableResponse 是表格识别接口的响应结构。
type tableResponse struct {
	Tables []struct {
		Rows [][]string `json:"rows"`
	} `json:"tables"`
}

// ExtractTables 从页面位图中识别表格，返回按行列组织的单元格文本。
func (c *Client) ExtractTables(imagePNG []byte) ([][][]string, error) {
	req, err := http.NewRequest("PUT", c.serverURL+"/tables", bytes.NewReader(imagePNG))
	if err != nil {
		return nil, fmt.Errorf("创建表格识别请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用表格识别失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("表格识别返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	var parsed tableResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("解析表格识别响应失败: %w", err)
	}

	tables := make([][][]string, 0, len(parsed.Tables))
	for _, t := range parsed.Tables {
		tables = append(tables, t.Rows)
	}
	return tables, nil
}
