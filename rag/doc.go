// Copyright 2025-2026 citerag Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package rag 实现带引用问答的检索侧：按租户和元数据过滤的向量检索、
证据聚合、可回答性判定以及答案中 [n] 引用标记的绑定。

一次查询在本包中依次经过：

	Query → Filter → Retriever（Embed + Store.Search）
	      → Aggregator（去重/归一化/排序/预算截断）→ EvidenceSet
	      → Guardrail.Decide → （合成后）CitationBinder.Bind

# 核心接口/类型

  - Store - 带 Filter 的向量检索接口（InMemoryStore / QdrantStore）
  - Indexer - 可写存储接口，供种子加载和 ingest 命令使用
  - Embedder - 查询向量化接口（OpenAIEmbedder）
  - Query / Filter / SectionFilter - 查询范围：租户、文档、章节、用户组
  - EvidenceSet - 有序证据，第 i 个块对应引用标记 [i]
  - GuardrailDecision - 可回答性、置信度与原因
  - Citation / StreamBinder - 引用解析，支持流式增量绑定

# 租户隔离

Filter.TenantID 总是非空。Retriever 与 Aggregator 都会丢弃
租户不匹配的块，存储层实现缺陷不会把其他租户的内容带进证据。

# 章节过滤

SectionAny 要求块的章节路径包含任一指定段；SectionPrefix 要求
路径以指定段序列开头（按段比较，不做字符串前缀比较）。QdrantStore
可按 keyword / text / client 三种策略下推前缀条件，结果总会在客户端
按段再校验一次。
*/
package rag
