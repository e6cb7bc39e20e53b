package extraction

import (
	"fmt"
	"strings"

	"aqar_pipeline/catalog"
	"aqar_pipeline/models"
)

const systemPrompt = "أنت خبير في استخراج بيانات العقارات من النصوص العربية. أرجع كائن JSON واحد فقط بدون أي نص إضافي."

// BuildPrompt renders the extraction instructions shared by every provider.
func BuildPrompt(cat *catalog.Catalog, rawText string, serial int) string {
	var sb strings.Builder
	sb.WriteString("استخرج بيانات العقار من النص التالي وأرجعها في صيغة JSON بالمفاتيح التالية:\n")

	fmt.Fprintf(&sb, "- %s: اسم المنطقة أو الحي، ويفضل من القائمة: %s\n",
		models.FieldRegion, strings.Join(cat.Regions(), "، "))
	fmt.Fprintf(&sb, "- %s: واحد من: %s\n", models.FieldUnitType, strings.Join(cat.UnitTypeNames(), "، "))
	fmt.Fprintf(&sb, "- %s: واحد من: %s\n", models.FieldUnitCondition, strings.Join(cat.ConditionNames(), "، "))
	fmt.Fprintf(&sb, "- %s: المساحة بالمتر المربع (رقم فقط)\n", models.FieldArea)
	fmt.Fprintf(&sb, "- %s: رقم الدور أو وصفه\n", models.FieldFloor)
	fmt.Fprintf(&sb, "- %s: السعر بالجنيه (رقم فقط بدون فواصل)\n", models.FieldPrice)
	fmt.Fprintf(&sb, "- %s: من القائمة المعتمدة مفصولة بفاصلة: %s\n", models.FieldFeatures, strings.Join(cat.Features, "، "))
	fmt.Fprintf(&sb, "- %s: العنوان التفصيلي\n", models.FieldAddress)
	fmt.Fprintf(&sb, "- %s: من القائمة المعتمدة: %s\n", models.FieldEmployeeName, strings.Join(cat.Employees, "، "))
	fmt.Fprintf(&sb, "- %s: اسم مالك العقار\n", models.FieldOwnerName)
	fmt.Fprintf(&sb, "- %s: رقم هاتف المالك 11 رقم يبدأ بـ 01\n", models.FieldOwnerPhone)
	fmt.Fprintf(&sb, "- %s: واحد من: %s\n", models.FieldAvailability, strings.Join(cat.Availability, "، "))
	fmt.Fprintf(&sb, "- %s: واحد من: %s\n", models.FieldPhotosStatus, strings.Join(cat.Photos, "، "))
	fmt.Fprintf(&sb, "- %s: ملخص شامل للعقار\n", models.FieldFullDetails)

	sb.WriteString("\nقواعد القيم الافتراضية:\n")
	fmt.Fprintf(&sb, "- أي حقل غير مذكور في النص يكتب \"%s\"\n", models.Unspecified)
	fmt.Fprintf(&sb, "- %s الافتراضية \"%s\" و%s الافتراضية \"%s\"\n",
		models.FieldAvailability, cat.Defaults.Availability, models.FieldPhotosStatus, cat.Defaults.PhotosStatus)
	fmt.Fprintf(&sb, "- %s و%s و%s حقول إلزامية\n",
		models.FieldRegion, models.FieldUnitType, models.FieldUnitCondition)
	fmt.Fprintf(&sb, "- لا تكتب %s، سيتم توليده تلقائياً\n", models.FieldUnitCode)

	fmt.Fprintf(&sb, "\nالرقم التسلسلي: %d\n\nالنص للتحليل:\n%s", serial, rawText)
	return sb.String()
}
